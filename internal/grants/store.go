// Package grants stores server-side grants (authorization codes, refresh
// tokens, reference tokens, user consent, device codes) on top of a generic
// persisted grant store, and sweeps expired ones.
package grants

import (
	"context"
	"time"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// PersistedGrantStore is the backend contract for persisted grants.
// Implementations push every filter down to storage.
type PersistedGrantStore interface {
	// Store inserts or replaces the grant by key.
	Store(ctx context.Context, grant oauth.PersistedGrant) error
	// Get returns the grant or oauth.ErrNotFound.
	Get(ctx context.Context, key string) (*oauth.PersistedGrant, error)
	GetAll(ctx context.Context, filter oauth.GrantFilter) ([]oauth.PersistedGrant, error)
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context, filter oauth.GrantFilter) error
	// Consume sets ConsumedTime if it is unset. A second caller receives
	// oauth.ErrConflict; a missing key oauth.ErrNotFound.
	Consume(ctx context.Context, key string, at time.Time) error
}

// CleanableGrantStore exposes the batch queries used by the sweeper.
type CleanableGrantStore interface {
	ExpiredGrants(ctx context.Context, before time.Time, limit int) ([]oauth.PersistedGrant, error)
	ConsumedGrants(ctx context.Context, before time.Time, limit int) ([]oauth.PersistedGrant, error)
	// RemoveGrants deletes keys and returns oauth.ErrConflict (with the count
	// removed) when another writer deleted some first.
	RemoveGrants(ctx context.Context, keys []string) (int, error)
}

// DeviceFlowStore is the backend contract for device authorizations.
type DeviceFlowStore interface {
	StoreDeviceAuthorization(ctx context.Context, rec oauth.DeviceFlowRecord) error
	FindByUserCode(ctx context.Context, userCode string) (*oauth.DeviceFlowRecord, error)
	FindByDeviceCode(ctx context.Context, deviceCode string) (*oauth.DeviceFlowRecord, error)
	UpdateByUserCode(ctx context.Context, rec oauth.DeviceFlowRecord) error
	// RemoveByDeviceCode deletes the authorization and returns
	// oauth.ErrNotFound when no row was removed. Only one of several
	// concurrent callers succeeds; redemption relies on that.
	RemoveByDeviceCode(ctx context.Context, deviceCode string) error
}

// CleanableDeviceFlowStore exposes the batch queries used by the sweeper.
type CleanableDeviceFlowStore interface {
	ExpiredDeviceCodes(ctx context.Context, before time.Time, limit int) ([]oauth.DeviceFlowRecord, error)
	RemoveDeviceCodes(ctx context.Context, deviceCodes []string) (int, error)
}
