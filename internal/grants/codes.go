package grants

import (
	"context"
	"time"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
)

// AuthorizationCodeStore persists single-use authorization codes.
type AuthorizationCodeStore struct {
	items typedStore[oauth.AuthorizationCode]
}

// NewAuthorizationCodeStore builds the store.
func NewAuthorizationCodeStore(store PersistedGrantStore, protector protect.Protector) *AuthorizationCodeStore {
	return &AuthorizationCodeStore{items: newTypedStore[oauth.AuthorizationCode](oauth.GrantAuthorizationCode, store, protector)}
}

// StoreAuthorizationCode persists code and returns its handle.
func (s *AuthorizationCodeStore) StoreAuthorizationCode(ctx context.Context, code oauth.AuthorizationCode) (string, error) {
	return s.items.create(ctx, code, itemMeta{
		clientID:     code.ClientID,
		subjectID:    code.Subject.ID,
		sessionID:    code.SessionID,
		description:  code.Description,
		creationTime: code.CreationTime,
		lifetime:     code.Lifetime,
	})
}

// GetAuthorizationCode loads a code with its grant row, which carries the
// expiration and consumed time.
func (s *AuthorizationCodeStore) GetAuthorizationCode(ctx context.Context, handle string) (*oauth.AuthorizationCode, *oauth.PersistedGrant, error) {
	return s.items.get(ctx, handle)
}

// ConsumeAuthorizationCode marks the code redeemed. Exactly one caller
// succeeds; later callers get oauth.ErrConflict.
func (s *AuthorizationCodeStore) ConsumeAuthorizationCode(ctx context.Context, handle string, at time.Time) error {
	return s.items.consume(ctx, handle, at)
}

// RemoveAuthorizationCode deletes a code.
func (s *AuthorizationCodeStore) RemoveAuthorizationCode(ctx context.Context, handle string) error {
	return s.items.remove(ctx, handle)
}
