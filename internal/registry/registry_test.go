package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/identity-server/internal/oauth"
)

const sampleRegistry = `
clients:
  - client_id: blog.spa.client
    client_name: Blog SPA
    profile: first_party_spa
    allowed_grant_types: [authorization_code, refresh_token]
    allowed_scopes: [openid, profile, blog.api, offline_access]
    redirect_uris: [/authentication/login-callback]
    post_logout_redirect_uris: [/authentication/logout-callback]
    require_client_secret: false
    allow_offline_access: true
    access_token_lifetime: 10m
  - client_id: disabled.client
    enabled: false
    allowed_grant_types: [client_credentials]
    require_pkce: false
api_scopes:
  - name: blog.api
    display_name: Blog API
  - name: hidden.scope
    enabled: false
api_resources:
  - name: https://api.example.com/blog
    scopes: [blog.api]
    require_resource_indicator: true
users:
  - subject: "1"
    username: Alice
    password_hash: "%s"
    claims:
      name: Alice Smith
providers:
  - scheme: local
    type: local
  - scheme: corp
    type: jwt
    enabled: false
    settings:
      jwks_url: https://corp.example.com/jwks
`

func parseSample(t *testing.T) *File {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	doc := []byte(fmt.Sprintf(sampleRegistry, string(hash)))
	f, err := Parse(doc)
	require.NoError(t, err)
	return f
}

func TestParseAppliesDefaults(t *testing.T) {
	f := parseSample(t)

	require.Len(t, f.Clients, 2)
	spa := f.Clients[0]
	assert.True(t, spa.Enabled)
	assert.True(t, spa.RequirePkce)
	assert.False(t, spa.RequireClientSecret)
	assert.Equal(t, 10*time.Minute, spa.AccessTokenLifetime)
	assert.Equal(t, 5*time.Minute, spa.AuthorizationCodeLifetime)
	assert.Equal(t, oauth.AccessTokenTypeJWT, spa.AccessTokenType)
	assert.Equal(t, oauth.ProfileFirstPartySPA, spa.Profile)

	disabled := f.Clients[1]
	assert.False(t, disabled.Enabled)
	assert.False(t, disabled.RequirePkce)
	assert.True(t, disabled.RequireClientSecret)

	// No identity resources declared: the standard ones are added.
	require.Len(t, f.IdentityResources, 3)
	assert.Equal(t, oauth.ScopeOpenID, f.IdentityResources[0].Name)

	require.Len(t, f.Providers, 2)
	assert.True(t, f.Providers[0].Enabled)
	assert.False(t, f.Providers[1].Enabled)
	assert.Equal(t, "https://corp.example.com/jwks", f.Providers[1].Settings["jwks_url"])
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"duplicate client", "clients:\n  - {client_id: a, allowed_grant_types: [client_credentials]}\n  - {client_id: a, allowed_grant_types: [client_credentials]}\n"},
		{"missing grant types", "clients:\n  - {client_id: a}\n"},
		{"code client without redirect", "clients:\n  - {client_id: a, allowed_grant_types: [authorization_code]}\n"},
		{"unknown api scope", "api_resources:\n  - {name: api, scopes: [nope]}\n"},
		{"duplicate scope", "api_scopes:\n  - {name: openid}\n"},
		{"user without subject", "users:\n  - {username: bob}\n"},
		{"provider without type", "providers:\n  - {scheme: x}\n"},
		{"bad yaml", "clients: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte("api_scopes:\n  - name: api1\n"), 0o600))

	f, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, f.APIScopes, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResourceStore(t *testing.T) {
	ctx := context.Background()
	f := parseSample(t)
	store := NewResourceStore(f.IdentityResources, f.APIScopes, f.APIResources)

	ids, err := store.FindIdentityResourcesByScopeName(ctx, []string{"openid", "blog.api"})
	require.NoError(t, err)
	require.Len(t, ids, 1)

	scopes, err := store.FindAPIScopesByName(ctx, []string{"blog.api", "hidden.scope"})
	require.NoError(t, err)
	require.Len(t, scopes, 1)

	apis, err := store.FindAPIResourcesByScopeName(ctx, []string{"blog.api"})
	require.NoError(t, err)
	require.Len(t, apis, 1)
	assert.Equal(t, "https://api.example.com/blog", apis[0].Name)

	apis, err = store.FindAPIResourcesByName(ctx, []string{"https://api.example.com/blog"})
	require.NoError(t, err)
	assert.Len(t, apis, 1)

	all, err := store.GetAllResources(ctx)
	require.NoError(t, err)
	assert.Len(t, all.APIScopes, 1)
	assert.True(t, all.OfflineAccess)
}

type countingStore struct {
	inner oauth.ClientStore
	calls int
}

func (c *countingStore) FindClientByID(ctx context.Context, id string) (*oauth.Client, error) {
	c.calls++
	return c.inner.FindClientByID(ctx, id)
}

func TestCachingClientStore(t *testing.T) {
	ctx := context.Background()
	inner := &countingStore{inner: NewClientStore([]oauth.Client{{ClientID: "app"}})}
	store := NewCachingClientStore(inner, time.Minute)

	for i := 0; i < 3; i++ {
		c, err := store.FindClientByID(ctx, "app")
		require.NoError(t, err)
		assert.Equal(t, "app", c.ClientID)
	}
	assert.Equal(t, 1, inner.calls)

	for i := 0; i < 2; i++ {
		_, err := store.FindClientByID(ctx, "missing")
		assert.ErrorIs(t, err, oauth.ErrNotFound)
	}
	assert.Equal(t, 3, inner.calls)

	store.Invalidate("app")
	_, err := store.FindClientByID(ctx, "app")
	require.NoError(t, err)
	assert.Equal(t, 4, inner.calls)
}

func TestCompositeClientStore(t *testing.T) {
	ctx := context.Background()
	static := NewClientStore([]oauth.Client{{ClientID: "static"}})
	dynamic := NewClientStore(nil)
	require.NoError(t, dynamic.SaveClient(ctx, &oauth.Client{ClientID: "dyn"}))

	store := CompositeClientStore{static, dynamic}
	_, err := store.FindClientByID(ctx, "static")
	assert.NoError(t, err)
	c, err := store.FindClientByID(ctx, "dyn")
	require.NoError(t, err)
	assert.False(t, c.CreatedAt.IsZero())
	_, err = store.FindClientByID(ctx, "none")
	assert.ErrorIs(t, err, oauth.ErrNotFound)
}

func TestUserStore(t *testing.T) {
	f := parseSample(t)
	users := NewUserStore(f.Users)

	u, ok := users.ValidateCredentials("alice", "s3cret")
	require.True(t, ok)
	assert.Equal(t, "1", u.SubjectID)
	assert.Equal(t, "Alice Smith", u.Claims["name"])

	_, ok = users.ValidateCredentials("alice", "wrong")
	assert.False(t, ok)
	_, ok = users.ValidateCredentials("bob", "s3cret")
	assert.False(t, ok)

	_, ok = users.FindBySubject("1")
	assert.True(t, ok)
}
