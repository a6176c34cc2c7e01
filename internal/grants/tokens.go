package grants

import (
	"context"
	"time"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
)

// RefreshTokenStore persists refresh tokens.
type RefreshTokenStore struct {
	items typedStore[oauth.RefreshToken]
}

// NewRefreshTokenStore builds the store.
func NewRefreshTokenStore(store PersistedGrantStore, protector protect.Protector) *RefreshTokenStore {
	return &RefreshTokenStore{items: newTypedStore[oauth.RefreshToken](oauth.GrantRefreshToken, store, protector)}
}

func refreshMeta(token oauth.RefreshToken) itemMeta {
	return itemMeta{
		clientID:     token.ClientID,
		subjectID:    token.Subject.ID,
		sessionID:    token.SessionID,
		description:  token.Description,
		creationTime: token.CreationTime,
		lifetime:     token.Lifetime,
	}
}

// StoreRefreshToken persists token and returns its handle.
func (s *RefreshTokenStore) StoreRefreshToken(ctx context.Context, token oauth.RefreshToken) (string, error) {
	return s.items.create(ctx, token, refreshMeta(token))
}

// UpdateRefreshToken replaces the token stored for handle, e.g. after a
// sliding lifetime extension.
func (s *RefreshTokenStore) UpdateRefreshToken(ctx context.Context, handle string, token oauth.RefreshToken) error {
	return s.items.update(ctx, handle, token, refreshMeta(token))
}

// GetRefreshToken loads a refresh token with its grant row.
func (s *RefreshTokenStore) GetRefreshToken(ctx context.Context, handle string) (*oauth.RefreshToken, *oauth.PersistedGrant, error) {
	token, grant, err := s.items.get(ctx, handle)
	if err != nil {
		return nil, nil, err
	}
	token.ConsumedTime = grant.ConsumedTime
	return token, grant, nil
}

// ConsumeRefreshToken marks a one-time refresh token used.
func (s *RefreshTokenStore) ConsumeRefreshToken(ctx context.Context, handle string, at time.Time) error {
	return s.items.consume(ctx, handle, at)
}

// RemoveRefreshToken deletes a refresh token.
func (s *RefreshTokenStore) RemoveRefreshToken(ctx context.Context, handle string) error {
	return s.items.remove(ctx, handle)
}

// RemoveRefreshTokens deletes every refresh token of subject for client,
// optionally restricted to a session.
func (s *RefreshTokenStore) RemoveRefreshTokens(ctx context.Context, subjectID, clientID, sessionID string) error {
	return s.items.removeAll(ctx, subjectID, clientID, sessionID)
}

// ReferenceTokenStore persists reference access tokens.
type ReferenceTokenStore struct {
	items typedStore[oauth.Token]
	now   func() time.Time
}

// NewReferenceTokenStore builds the store.
func NewReferenceTokenStore(store PersistedGrantStore, protector protect.Protector) *ReferenceTokenStore {
	return &ReferenceTokenStore{
		items: newTypedStore[oauth.Token](oauth.GrantReferenceToken, store, protector),
		now:   time.Now,
	}
}

// StoreReferenceToken persists token and returns the handle handed to the
// client as access token.
func (s *ReferenceTokenStore) StoreReferenceToken(ctx context.Context, token oauth.Token) (string, error) {
	return s.items.create(ctx, token, itemMeta{
		clientID:     token.ClientID,
		subjectID:    token.SubjectID,
		sessionID:    token.SessionID,
		creationTime: token.CreationTime,
		lifetime:     token.Lifetime,
	})
}

// GetReferenceToken returns a live reference token. Expired tokens are
// reported as oauth.ErrNotFound.
func (s *ReferenceTokenStore) GetReferenceToken(ctx context.Context, handle string) (*oauth.Token, error) {
	token, grant, err := s.items.get(ctx, handle)
	if err != nil {
		return nil, err
	}
	if grant.Expired(s.now()) {
		return nil, oauth.ErrNotFound
	}
	return token, nil
}

// RemoveReferenceToken deletes a reference token.
func (s *ReferenceTokenStore) RemoveReferenceToken(ctx context.Context, handle string) error {
	return s.items.remove(ctx, handle)
}

// RemoveReferenceTokens deletes every reference token of subject for client,
// optionally restricted to a session.
func (s *ReferenceTokenStore) RemoveReferenceTokens(ctx context.Context, subjectID, clientID, sessionID string) error {
	return s.items.removeAll(ctx, subjectID, clientID, sessionID)
}
