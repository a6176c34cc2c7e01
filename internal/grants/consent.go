package grants

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
)

// ConsentStore persists remembered user consent as user_consent grants keyed
// by client and subject.
type ConsentStore struct {
	items typedStore[oauth.Consent]
	now   func() time.Time
}

// NewConsentStore builds the store.
func NewConsentStore(store PersistedGrantStore, protector protect.Protector) *ConsentStore {
	return &ConsentStore{
		items: newTypedStore[oauth.Consent](oauth.GrantUserConsent, store, protector),
		now:   time.Now,
	}
}

func (s *ConsentStore) consentKey(subjectID, clientID string) string {
	return s.items.key(clientID + "|" + subjectID)
}

// StoreUserConsent records or replaces consent.
func (s *ConsentStore) StoreUserConsent(ctx context.Context, consent oauth.Consent) error {
	meta := itemMeta{
		clientID:     consent.ClientID,
		subjectID:    consent.SubjectID,
		creationTime: consent.CreationTime,
	}
	if consent.Expiration != nil {
		meta.lifetime = consent.Expiration.Sub(consent.CreationTime)
	}
	return s.items.put(ctx, s.consentKey(consent.SubjectID, consent.ClientID), consent, meta)
}

// GetUserConsent returns the live consent of subject for client, or nil.
func (s *ConsentStore) GetUserConsent(ctx context.Context, subjectID, clientID string) (*oauth.Consent, error) {
	consent, grant, err := s.items.getByKey(ctx, s.consentKey(subjectID, clientID))
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if grant.Expired(s.now()) {
		return nil, nil
	}
	return consent, nil
}

// RemoveUserConsent forgets consent of subject for client.
func (s *ConsentStore) RemoveUserConsent(ctx context.Context, subjectID, clientID string) error {
	return s.items.store.Remove(ctx, s.consentKey(subjectID, clientID))
}
