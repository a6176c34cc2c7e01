package grants

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/storage"
	"github.com/providentiaww/identity-server/internal/storage/storagetest"
)

type recordingPublisher struct {
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.events = append(p.events, e)
	return nil
}

func seedGrants(t *testing.T, store *storage.GormGrantStore, prefix string, n int, exp time.Time, consumed *time.Time) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		e := exp
		g := oauth.PersistedGrant{
			Key:          fmt.Sprintf("%s-%03d", prefix, i),
			Type:         oauth.GrantRefreshToken,
			ClientID:     "app",
			SubjectID:    "alice",
			CreationTime: exp.Add(-time.Hour),
			Expiration:   &e,
			Data:         "payload",
		}
		require.NoError(t, store.Store(ctx, g))
		if consumed != nil {
			require.NoError(t, store.Consume(ctx, g.Key, *consumed))
		}
	}
}

func TestSweeperDrainsExpiredInBatches(t *testing.T) {
	ctx := context.Background()
	store := newGrantStore(t)
	now := time.Now().UTC()

	seedGrants(t, store, "old", 25, now.Add(-time.Minute), nil)
	seedGrants(t, store, "live", 3, now.Add(time.Hour), nil)

	pub := &recordingPublisher{}
	sweeper := NewSweeper(store, nil, oauth.CleanupConfig{BatchSize: 10}, pub)
	sweeper.now = func() time.Time { return now }

	result, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 25, result.Expired)
	assert.Equal(t, 0, result.Consumed)

	remaining, err := store.GetAll(ctx, oauth.GrantFilter{SubjectID: "alice"})
	require.NoError(t, err)
	assert.Len(t, remaining, 3)

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.GrantsSwept, pub.events[0].Type)

	// A second sweep finds nothing and emits nothing.
	result, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Total())
	assert.Len(t, pub.events, 1)
}

func TestSweeperConsumedPass(t *testing.T) {
	ctx := context.Background()
	store := newGrantStore(t)
	now := time.Now().UTC()

	longAgo := now.Add(-2 * time.Hour)
	recent := now.Add(-time.Minute)
	seedGrants(t, store, "stale", 4, now.Add(time.Hour), &longAgo)
	seedGrants(t, store, "fresh", 2, now.Add(time.Hour), &recent)

	cfg := oauth.CleanupConfig{BatchSize: 3, RemoveConsumedTokens: true, ConsumedTokenRetention: time.Hour}
	sweeper := NewSweeper(store, nil, cfg, nil)
	sweeper.now = func() time.Time { return now }

	result, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Consumed)

	remaining, err := store.GetAll(ctx, oauth.GrantFilter{ClientID: "app"})
	require.NoError(t, err)
	assert.Len(t, remaining, 2)

	// Consumed grants stay when the pass is disabled.
	seedGrants(t, store, "kept", 2, now.Add(time.Hour), &longAgo)
	cfg.RemoveConsumedTokens = false
	sweeper = NewSweeper(store, nil, cfg, nil)
	sweeper.now = func() time.Time { return now }
	result, err = sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Consumed)
}

func TestSweeperDeviceCodes(t *testing.T) {
	ctx := context.Background()
	db := storagetest.OpenSQLite(t)
	grantStore := storage.NewGormGrantStore(db)
	deviceStore := storage.NewGormDeviceFlowStore(db)
	now := time.Now().UTC()

	for i := 0; i < 5; i++ {
		exp := now.Add(-time.Second)
		if i == 0 {
			exp = now.Add(time.Minute)
		}
		require.NoError(t, deviceStore.StoreDeviceAuthorization(ctx, oauth.DeviceFlowRecord{
			DeviceCode:   fmt.Sprintf("dc-%d", i),
			UserCode:     fmt.Sprintf("UC%d", i),
			ClientID:     "tv",
			CreationTime: now.Add(-time.Minute),
			Expiration:   exp,
			Data:         "payload",
		}))
	}

	sweeper := NewSweeper(grantStore, deviceStore, oauth.CleanupConfig{BatchSize: 2}, nil)
	sweeper.now = func() time.Time { return now }

	result, err := sweeper.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, result.DeviceCodes)

	_, err = deviceStore.FindByDeviceCode(ctx, "dc-0")
	assert.NoError(t, err)
	_, err = deviceStore.FindByDeviceCode(ctx, "dc-1")
	assert.ErrorIs(t, err, oauth.ErrNotFound)
}

// racingStore simulates another instance deleting part of every batch.
type racingStore struct {
	batches  [][]oauth.PersistedGrant
	calls    int
	removed  int
	failWith error
}

func (s *racingStore) ExpiredGrants(_ context.Context, _ time.Time, _ int) ([]oauth.PersistedGrant, error) {
	if s.calls >= len(s.batches) {
		return nil, nil
	}
	b := s.batches[s.calls]
	s.calls++
	return b, nil
}

func (s *racingStore) ConsumedGrants(context.Context, time.Time, int) ([]oauth.PersistedGrant, error) {
	return nil, nil
}

func (s *racingStore) RemoveGrants(_ context.Context, keys []string) (int, error) {
	if s.failWith != nil {
		return 0, s.failWith
	}
	n := len(keys) - 1
	s.removed += n
	return n, errors.Wrap(oauth.ErrConflict, "grants removed concurrently")
}

func batch(prefix string, n int) []oauth.PersistedGrant {
	out := make([]oauth.PersistedGrant, n)
	for i := range out {
		out[i] = oauth.PersistedGrant{Key: fmt.Sprintf("%s-%d", prefix, i)}
	}
	return out
}

func TestSweeperToleratesConflicts(t *testing.T) {
	store := &racingStore{batches: [][]oauth.PersistedGrant{batch("a", 2), batch("b", 2), batch("c", 1)}}
	sweeper := NewSweeper(store, nil, oauth.CleanupConfig{BatchSize: 2}, nil)

	result, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 2, result.Expired)
}

func TestSweeperStopsOnStoreError(t *testing.T) {
	boom := errors.New("database is down")
	store := &racingStore{batches: [][]oauth.PersistedGrant{batch("a", 2), batch("b", 2)}, failWith: boom}
	sweeper := NewSweeper(store, nil, oauth.CleanupConfig{BatchSize: 2}, nil)

	_, err := sweeper.RunOnce(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, store.calls)
}

func TestSweeperStartStopsOnCancel(t *testing.T) {
	store := &racingStore{}
	sweeper := NewSweeper(store, nil, oauth.CleanupConfig{BatchSize: 2, Interval: 5 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Start(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
