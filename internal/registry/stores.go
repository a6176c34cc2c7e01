package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/identity-server/internal/cache"
	"github.com/providentiaww/identity-server/internal/oauth"
)

// ClientStore serves clients from memory. SaveClient makes it usable as the
// dynamic registration target when no database is configured.
type ClientStore struct {
	mu      sync.RWMutex
	clients map[string]oauth.Client
}

// NewClientStore indexes clients by id.
func NewClientStore(clients []oauth.Client) *ClientStore {
	s := &ClientStore{clients: make(map[string]oauth.Client, len(clients))}
	for _, c := range clients {
		s.clients[c.ClientID] = c
	}
	return s
}

// FindClientByID returns a copy of the client.
func (s *ClientStore) FindClientByID(_ context.Context, clientID string) (*oauth.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[clientID]
	if !ok {
		return nil, oauth.ErrNotFound
	}
	return &c, nil
}

// SaveClient inserts or replaces client.
func (s *ClientStore) SaveClient(_ context.Context, client *oauth.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now
	s.clients[client.ClientID] = *client
	return nil
}

// CompositeClientStore asks each store in order and returns the first hit.
type CompositeClientStore []oauth.ClientStore

func (c CompositeClientStore) FindClientByID(ctx context.Context, clientID string) (*oauth.Client, error) {
	for _, store := range c {
		client, err := store.FindClientByID(ctx, clientID)
		if err == nil {
			return client, nil
		}
		if !errors.Is(err, oauth.ErrNotFound) {
			return nil, err
		}
	}
	return nil, oauth.ErrNotFound
}

// CachingClientStore caches successful lookups of an inner store for a fixed
// duration. Misses are not cached.
type CachingClientStore struct {
	inner    oauth.ClientStore
	cache    *cache.TTL[oauth.Client]
	duration time.Duration
}

// NewCachingClientStore decorates inner.
func NewCachingClientStore(inner oauth.ClientStore, duration time.Duration) *CachingClientStore {
	return &CachingClientStore{inner: inner, cache: cache.New[oauth.Client](), duration: duration}
}

func (s *CachingClientStore) FindClientByID(ctx context.Context, clientID string) (*oauth.Client, error) {
	if c, ok := s.cache.Get(clientID); ok {
		return &c, nil
	}
	client, err := s.inner.FindClientByID(ctx, clientID)
	if err != nil {
		return nil, err
	}
	s.cache.Set(clientID, *client, s.duration)
	return client, nil
}

// Invalidate drops the cached entry for clientID.
func (s *CachingClientStore) Invalidate(clientID string) {
	s.cache.Delete(clientID)
}

// ResourceStore serves identity resources, API scopes and API resources.
// Disabled entries are never returned.
type ResourceStore struct {
	identity []oauth.IdentityResource
	scopes   []oauth.APIScope
	apis     []oauth.APIResource
}

// NewResourceStore builds the store.
func NewResourceStore(identity []oauth.IdentityResource, scopes []oauth.APIScope, apis []oauth.APIResource) *ResourceStore {
	return &ResourceStore{identity: identity, scopes: scopes, apis: apis}
}

func (s *ResourceStore) FindIdentityResourcesByScopeName(_ context.Context, names []string) ([]oauth.IdentityResource, error) {
	var out []oauth.IdentityResource
	for _, r := range s.identity {
		if r.Enabled && contains(names, r.Name) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *ResourceStore) FindAPIScopesByName(_ context.Context, names []string) ([]oauth.APIScope, error) {
	var out []oauth.APIScope
	for _, sc := range s.scopes {
		if sc.Enabled && contains(names, sc.Name) {
			out = append(out, sc)
		}
	}
	return out, nil
}

func (s *ResourceStore) FindAPIResourcesByScopeName(_ context.Context, names []string) ([]oauth.APIResource, error) {
	var out []oauth.APIResource
	for _, api := range s.apis {
		if !api.Enabled {
			continue
		}
		for _, sc := range api.Scopes {
			if contains(names, sc) {
				out = append(out, api)
				break
			}
		}
	}
	return out, nil
}

func (s *ResourceStore) FindAPIResourcesByName(_ context.Context, names []string) ([]oauth.APIResource, error) {
	var out []oauth.APIResource
	for _, api := range s.apis {
		if api.Enabled && contains(names, api.Name) {
			out = append(out, api)
		}
	}
	return out, nil
}

func (s *ResourceStore) GetAllResources(_ context.Context) (oauth.Resources, error) {
	var all oauth.Resources
	for _, r := range s.identity {
		if r.Enabled {
			all.IdentityResources = append(all.IdentityResources, r)
		}
	}
	for _, sc := range s.scopes {
		if sc.Enabled {
			all.APIScopes = append(all.APIScopes, sc)
		}
	}
	for _, api := range s.apis {
		if api.Enabled {
			all.APIResources = append(all.APIResources, api)
		}
	}
	all.OfflineAccess = true
	return all, nil
}

// UserStore serves local accounts.
type UserStore struct {
	byName    map[string]User
	bySubject map[string]User
}

// NewUserStore indexes users by lower-cased username and by subject.
func NewUserStore(users []User) *UserStore {
	s := &UserStore{byName: map[string]User{}, bySubject: map[string]User{}}
	for _, u := range users {
		s.byName[strings.ToLower(u.Username)] = u
		s.bySubject[u.SubjectID] = u
	}
	return s
}

// FindBySubject returns the user with subject id.
func (s *UserStore) FindBySubject(subjectID string) (*User, bool) {
	u, ok := s.bySubject[subjectID]
	if !ok || u.Disabled {
		return nil, false
	}
	return &u, true
}

// ValidateCredentials returns the user when username exists, is enabled and
// password matches its bcrypt hash.
func (s *UserStore) ValidateCredentials(username, password string) (*User, bool) {
	u, ok := s.byName[strings.ToLower(username)]
	if !ok || u.Disabled || u.PasswordHash == "" {
		return nil, false
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, false
	}
	return &u, true
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
