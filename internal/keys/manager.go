package keys

import (
	"context"
	"crypto"
	"crypto/x509"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/metrics"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
)

type loadedKey struct {
	container oauth.SigningKeyContainer
	signer    crypto.Signer
	cert      *x509.Certificate
}

// Manager creates, rotates, retires and purges signing keys held in a Store.
//
// For every configured algorithm a new key is created when none is active or
// when the newest one is within PropagationTime of its RotationInterval. The
// newest key older than PropagationTime signs; a fresh key only signs when
// nothing older is available. Keys past RotationInterval only validate, and
// keys past RotationInterval+RetentionDuration are deleted.
type Manager struct {
	store     Store
	protector protect.Protector
	cfg       oauth.KeyManagementConfig
	publisher events.Publisher
	now       func() time.Time

	mu       sync.Mutex
	cached   []*loadedKey
	loadedAt time.Time
}

// NewManager validates the configured algorithms. When protector is nil, or
// key data protection is disabled, key material is stored as plain PEM.
func NewManager(store Store, protector protect.Protector, cfg oauth.KeyManagementConfig, publisher events.Publisher) (*Manager, error) {
	if len(cfg.SigningAlgorithms) == 0 {
		return nil, errors.New("at least one signing algorithm is required")
	}
	for _, alg := range cfg.SigningAlgorithms {
		if _, err := KeyType(alg); err != nil {
			return nil, err
		}
	}
	if cfg.PropagationTime >= cfg.RotationInterval {
		return nil, errors.New("key propagation time must be shorter than the rotation interval")
	}
	if !cfg.DataProtectKeys {
		protector = nil
	}
	return &Manager{
		store:     store,
		protector: protector,
		cfg:       cfg,
		publisher: publisher,
		now:       time.Now,
	}, nil
}

// WithClock replaces the time source used for key ages.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// GetSigningCredentials returns the current key for the first configured
// algorithm.
func (m *Manager) GetSigningCredentials(ctx context.Context) (*SigningCredentials, error) {
	keys, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	alg := m.cfg.SigningAlgorithms[0]
	k := m.signingKey(keys, alg, m.now())
	if k == nil {
		return nil, errors.Errorf("no signing key available for %s", alg)
	}
	return credentialsFor(k), nil
}

// GetAllSigningCredentials returns the current key of every configured
// algorithm, in configuration order.
func (m *Manager) GetAllSigningCredentials(ctx context.Context) ([]SigningCredentials, error) {
	keys, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]SigningCredentials, 0, len(m.cfg.SigningAlgorithms))
	for _, alg := range m.cfg.SigningAlgorithms {
		if k := m.signingKey(keys, alg, now); k != nil {
			out = append(out, *credentialsFor(k))
		}
	}
	return out, nil
}

// GetValidationKeys returns every key that is not past its retention window,
// oldest first.
func (m *Manager) GetValidationKeys(ctx context.Context) ([]ValidationKey, error) {
	keys, err := m.ensure(ctx)
	if err != nil {
		return nil, err
	}
	now := m.now()
	out := make([]ValidationKey, 0, len(keys))
	for _, k := range keys {
		if m.purgeable(k, now) {
			continue
		}
		out = append(out, ValidationKey{
			KeyID:       k.container.ID,
			Algorithm:   k.container.Algorithm,
			Key:         k.signer.Public(),
			Certificate: k.cert,
			Created:     k.container.Created,
		})
	}
	return out, nil
}

func credentialsFor(k *loadedKey) *SigningCredentials {
	return &SigningCredentials{KeyID: k.container.ID, Algorithm: k.container.Algorithm, Key: k.signer}
}

// ensure loads the key set and creates keys for algorithms that need one.
func (m *Manager) ensure(ctx context.Context) ([]*loadedKey, error) {
	keys, err := m.load(ctx)
	if err != nil {
		return nil, err
	}

	now := m.now()
	created := false
	for _, alg := range m.cfg.SigningAlgorithms {
		active := m.activeKeys(keys, alg, now)
		if len(active) > 0 && active[len(active)-1].container.Age(now) <= m.cfg.RotationInterval-m.cfg.PropagationTime {
			continue
		}
		if err := m.createKey(ctx, alg, now); err != nil {
			return nil, err
		}
		created = true
	}
	if !created {
		return keys, nil
	}

	m.invalidate()
	return m.load(ctx)
}

// activeKeys returns keys of alg that may still sign, oldest first.
func (m *Manager) activeKeys(keys []*loadedKey, alg string, now time.Time) []*loadedKey {
	var active []*loadedKey
	for _, k := range keys {
		if k.container.Algorithm == alg && k.container.Age(now) < m.cfg.RotationInterval {
			active = append(active, k)
		}
	}
	return active
}

func (m *Manager) signingKey(keys []*loadedKey, alg string, now time.Time) *loadedKey {
	active := m.activeKeys(keys, alg, now)
	if len(active) == 0 {
		return nil
	}
	for i := len(active) - 1; i >= 0; i-- {
		if active[i].container.Age(now) >= m.cfg.PropagationTime {
			return active[i]
		}
	}
	return active[0]
}

func (m *Manager) purgeable(k *loadedKey, now time.Time) bool {
	return k.container.Age(now) > m.cfg.RotationInterval+m.cfg.RetentionDuration
}

func (m *Manager) invalidate() {
	m.mu.Lock()
	m.cached = nil
	m.mu.Unlock()
}

// load returns the cached key set, reading the store when the cache is stale.
// Keys past retention are deleted from the store on read.
func (m *Manager) load(ctx context.Context) ([]*loadedKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.cached != nil && now.Sub(m.loadedAt) < m.cfg.CacheDuration {
		return m.cached, nil
	}

	containers, err := m.store.LoadKeys(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load signing keys")
	}

	keys := make([]*loadedKey, 0, len(containers))
	for _, c := range containers {
		k, err := m.open(c)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"package": "keys",
				"method":  "load",
				"kid":     c.ID,
			}).WithError(err).Warn("skipping unreadable signing key")
			continue
		}
		if m.purgeable(k, now) {
			if err := m.store.DeleteKey(ctx, c.ID); err != nil {
				return nil, errors.Wrapf(err, "purge signing key %s", c.ID)
			}
			logrus.WithFields(logrus.Fields{
				"package": "keys",
				"method":  "load",
				"kid":     c.ID,
				"alg":     c.Algorithm,
			}).Info("purged signing key")
			events.Emit(ctx, m.publisher, events.Event{
				Type: events.SigningKeyPurged,
				Data: map[string]any{"kid": c.ID, "alg": c.Algorithm},
			})
			continue
		}
		keys = append(keys, k)
	}
	sort.SliceStable(keys, func(i, j int) bool {
		return keys[i].container.Created.Before(keys[j].container.Created)
	})

	m.cached = keys
	m.loadedAt = now
	return keys, nil
}

func (m *Manager) open(c oauth.SigningKeyContainer) (*loadedKey, error) {
	data := []byte(c.Data)
	if c.DataProtected {
		if m.protector == nil {
			return nil, errors.New("key data is protected but no protector is configured")
		}
		raw, err := m.protector.Unprotect(c.Data)
		if err != nil {
			return nil, errors.Wrap(err, "unprotect key data")
		}
		data = raw
	}
	signer, err := ParsePrivateKey(data)
	if err != nil {
		return nil, err
	}
	k := &loadedKey{container: c, signer: signer}
	if c.IsX509Certificate && c.CertificateData != "" {
		cert, err := parseCertificate(c.CertificateData)
		if err != nil {
			return nil, err
		}
		k.cert = cert
	}
	return k, nil
}

func (m *Manager) createKey(ctx context.Context, alg string, now time.Time) error {
	signer, err := GenerateKey(alg, m.cfg.RSAKeySize)
	if err != nil {
		return err
	}
	pemBytes, err := EncodePrivateKey(signer)
	if err != nil {
		return err
	}

	c := oauth.SigningKeyContainer{
		ID:        newKeyID(),
		Algorithm: alg,
		Created:   now.UTC(),
		Data:      string(pemBytes),
	}
	if m.protector != nil {
		protected, err := m.protector.Protect(pemBytes)
		if err != nil {
			return errors.Wrap(err, "protect key data")
		}
		c.Data = protected
		c.DataProtected = true
	}
	if m.cfg.UseX509 {
		certPEM, err := selfSignedCertificate(signer, c.ID, c.Created, m.cfg.RotationInterval+m.cfg.RetentionDuration)
		if err != nil {
			return err
		}
		c.IsX509Certificate = true
		c.CertificateData = string(certPEM)
	}

	if err := m.store.StoreKey(ctx, c); err != nil {
		return errors.Wrap(err, "store signing key")
	}

	logrus.WithFields(logrus.Fields{
		"package": "keys",
		"method":  "createKey",
		"kid":     c.ID,
		"alg":     alg,
	}).Info("created signing key")
	metrics.SigningKeyCreated(alg)
	events.Emit(ctx, m.publisher, events.Event{
		Type: events.SigningKeyCreated,
		Data: map[string]any{"kid": c.ID, "alg": alg},
	})
	return nil
}
