package grants

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/metrics"
	"github.com/providentiaww/identity-server/internal/oauth"
)

// InstrumentedStore records latency of the hot-path grant operations. Calls
// it does not override go straight to the wrapped store.
type InstrumentedStore struct {
	PersistedGrantStore
}

// Instrument wraps store.
func Instrument(store PersistedGrantStore) *InstrumentedStore {
	return &InstrumentedStore{PersistedGrantStore: store}
}

func (s *InstrumentedStore) Store(ctx context.Context, grant oauth.PersistedGrant) error {
	start := time.Now()
	err := s.PersistedGrantStore.Store(ctx, grant)
	metrics.ObserveGrantStore("store", start, err)
	return err
}

func (s *InstrumentedStore) Get(ctx context.Context, key string) (*oauth.PersistedGrant, error) {
	start := time.Now()
	grant, err := s.PersistedGrantStore.Get(ctx, key)
	metrics.ObserveGrantStore("get", start, ignoreNotFound(err))
	return grant, err
}

func (s *InstrumentedStore) Consume(ctx context.Context, key string, at time.Time) error {
	start := time.Now()
	err := s.PersistedGrantStore.Consume(ctx, key, at)
	metrics.ObserveGrantStore("consume", start, err)
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, oauth.ErrNotFound) {
		return nil
	}
	return err
}
