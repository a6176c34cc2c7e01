package grants

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
)

const handleBytes = 32

// typedStore serializes one payload type into persisted grants of a single
// grant type. Handles are random; only GrantKey(handle) is stored.
type typedStore[T any] struct {
	grantType string
	store     PersistedGrantStore
	protector protect.Protector
}

type itemMeta struct {
	clientID     string
	subjectID    string
	sessionID    string
	description  string
	creationTime time.Time
	lifetime     time.Duration
}

func newTypedStore[T any](grantType string, store PersistedGrantStore, protector protect.Protector) typedStore[T] {
	return typedStore[T]{grantType: grantType, store: store, protector: protector}
}

func (s typedStore[T]) log(method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package":    "grants",
		"grant_type": s.grantType,
		"method":     method,
	})
}

func (s typedStore[T]) key(handle string) string {
	return oauth.GrantKey(handle, s.grantType)
}

// create stores item under a fresh handle.
func (s typedStore[T]) create(ctx context.Context, item T, meta itemMeta) (string, error) {
	handle, err := oauth.RandomString(handleBytes)
	if err != nil {
		return "", errors.Wrap(err, "generate handle")
	}
	if err := s.put(ctx, s.key(handle), item, meta); err != nil {
		return "", err
	}
	return handle, nil
}

// update replaces the item stored for handle.
func (s typedStore[T]) update(ctx context.Context, handle string, item T, meta itemMeta) error {
	return s.put(ctx, s.key(handle), item, meta)
}

func (s typedStore[T]) put(ctx context.Context, key string, item T, meta itemMeta) error {
	payload, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "marshal grant payload")
	}
	data, err := s.protector.Protect(payload)
	if err != nil {
		return errors.Wrap(err, "protect grant payload")
	}

	grant := oauth.PersistedGrant{
		Key:          key,
		Type:         s.grantType,
		ClientID:     meta.clientID,
		SubjectID:    meta.subjectID,
		SessionID:    meta.sessionID,
		Description:  meta.description,
		CreationTime: meta.creationTime,
		Data:         data,
	}
	if meta.lifetime > 0 {
		exp := meta.creationTime.Add(meta.lifetime)
		grant.Expiration = &exp
	}
	return s.store.Store(ctx, grant)
}

// get loads the item for handle. Unknown handles, other grant types and
// payloads that fail to unprotect all return oauth.ErrNotFound.
func (s typedStore[T]) get(ctx context.Context, handle string) (*T, *oauth.PersistedGrant, error) {
	return s.getByKey(ctx, s.key(handle))
}

func (s typedStore[T]) getByKey(ctx context.Context, key string) (*T, *oauth.PersistedGrant, error) {
	grant, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if grant.Type != s.grantType {
		return nil, nil, oauth.ErrNotFound
	}

	payload, err := s.protector.Unprotect(grant.Data)
	if err != nil {
		s.log("get").WithError(err).Warn("failed to unprotect grant payload")
		return nil, nil, oauth.ErrNotFound
	}
	var item T
	if err := json.Unmarshal(payload, &item); err != nil {
		s.log("get").WithError(err).Warn("failed to unmarshal grant payload")
		return nil, nil, oauth.ErrNotFound
	}
	return &item, grant, nil
}

func (s typedStore[T]) consume(ctx context.Context, handle string, at time.Time) error {
	return s.store.Consume(ctx, s.key(handle), at)
}

func (s typedStore[T]) remove(ctx context.Context, handle string) error {
	return s.store.Remove(ctx, s.key(handle))
}

func (s typedStore[T]) removeAll(ctx context.Context, subjectID, clientID, sessionID string) error {
	return s.store.RemoveAll(ctx, oauth.GrantFilter{
		SubjectID: subjectID,
		ClientID:  clientID,
		SessionID: sessionID,
		Type:      s.grantType,
	})
}
