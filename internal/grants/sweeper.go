package grants

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/metrics"
	"github.com/providentiaww/identity-server/internal/oauth"
)

// Sweeper passes.
const (
	PassExpired     = "expired"
	PassConsumed    = "consumed"
	PassDeviceCodes = "device_codes"
)

// SweepResult counts rows removed by one sweep.
type SweepResult struct {
	Expired     int
	Consumed    int
	DeviceCodes int
}

// Total returns the number of rows removed across passes.
func (r SweepResult) Total() int {
	return r.Expired + r.Consumed + r.DeviceCodes
}

// Sweeper periodically removes expired grants, consumed grants and expired
// device codes in bounded batches.
type Sweeper struct {
	grants    CleanableGrantStore
	devices   CleanableDeviceFlowStore
	cfg       oauth.CleanupConfig
	publisher events.Publisher
	now       func() time.Time
}

// NewSweeper builds a sweeper. devices may be nil when no device flow store
// is configured.
func NewSweeper(grants CleanableGrantStore, devices CleanableDeviceFlowStore, cfg oauth.CleanupConfig, publisher events.Publisher) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		grants:    grants,
		devices:   devices,
		cfg:       cfg,
		publisher: publisher,
		now:       time.Now,
	}
}

// Start runs the sweeper on every interval tick until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	log := logrus.WithFields(logrus.Fields{"package": "grants", "method": "Sweeper.Start"})

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.WithFields(logrus.Fields{
		"interval":   s.cfg.Interval,
		"batch_size": s.cfg.BatchSize,
	}).Info("grant sweeper started")

	for {
		select {
		case <-ctx.Done():
			log.Info("grant sweeper stopped")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).Error("grant sweep failed")
			}
		}
	}
}

// RunOnce performs every pass once. A failing pass does not prevent the
// following passes from running; the first error is returned.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var (
		result   SweepResult
		firstErr error
	)
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	now := s.now()

	n, err := s.drain(ctx, PassExpired,
		func(ctx context.Context, limit int) ([]string, error) {
			rows, err := s.grants.ExpiredGrants(ctx, now, limit)
			return grantKeys(rows), err
		},
		s.grants.RemoveGrants)
	result.Expired = n
	record(err)

	if s.cfg.RemoveConsumedTokens {
		cutoff := now.Add(-s.cfg.ConsumedTokenRetention)
		n, err = s.drain(ctx, PassConsumed,
			func(ctx context.Context, limit int) ([]string, error) {
				rows, err := s.grants.ConsumedGrants(ctx, cutoff, limit)
				return grantKeys(rows), err
			},
			s.grants.RemoveGrants)
		result.Consumed = n
		record(err)
	}

	if s.devices != nil {
		n, err = s.drain(ctx, PassDeviceCodes,
			func(ctx context.Context, limit int) ([]string, error) {
				rows, err := s.devices.ExpiredDeviceCodes(ctx, now, limit)
				keys := make([]string, 0, len(rows))
				for _, r := range rows {
					keys = append(keys, r.DeviceCode)
				}
				return keys, err
			},
			s.devices.RemoveDeviceCodes)
		result.DeviceCodes = n
		record(err)
	}

	if result.Total() > 0 {
		events.Emit(ctx, s.publisher, events.Event{
			Type: events.GrantsSwept,
			Data: map[string]any{
				PassExpired:     result.Expired,
				PassConsumed:    result.Consumed,
				PassDeviceCodes: result.DeviceCodes,
			},
		})
	}
	return result, firstErr
}

type fetchFunc func(ctx context.Context, limit int) ([]string, error)
type removeFunc func(ctx context.Context, keys []string) (int, error)

// drain fetches and removes batches until a batch comes back smaller than
// the batch size. Concurrency conflicts mean another instance removed the
// rows first; they are logged and the loop continues.
func (s *Sweeper) drain(ctx context.Context, pass string, fetch fetchFunc, remove removeFunc) (int, error) {
	log := logrus.WithFields(logrus.Fields{"package": "grants", "method": "Sweeper.drain", "pass": pass})

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		keys, err := fetch(ctx, s.cfg.BatchSize)
		if err != nil {
			return total, errors.Wrapf(err, "fetch %s batch", pass)
		}

		if len(keys) > 0 {
			removed, err := remove(ctx, keys)
			total += removed
			metrics.GrantsSwept(pass, removed)
			switch {
			case errors.Is(err, oauth.ErrConflict):
				log.WithError(err).Info("concurrency conflict while removing batch, continuing")
			case err != nil:
				return total, errors.Wrapf(err, "remove %s batch", pass)
			default:
				log.WithField("count", removed).Debug("removed batch")
			}
		}

		if len(keys) < s.cfg.BatchSize {
			return total, nil
		}
	}
}

func grantKeys(rows []oauth.PersistedGrant) []string {
	keys := make([]string, 0, len(rows))
	for _, r := range rows {
		keys = append(keys, r.Key)
	}
	return keys
}
