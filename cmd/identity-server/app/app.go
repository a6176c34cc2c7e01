// Package app assembles the identity server from its configuration, the
// registry file and the storage backends chosen at startup.
package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/cmd/identity-server/account"
	"github.com/providentiaww/identity-server/cmd/identity-server/auth"
	endpoints "github.com/providentiaww/identity-server/cmd/identity-server/oauth"
	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/grants"
	"github.com/providentiaww/identity-server/internal/keys"
	"github.com/providentiaww/identity-server/internal/metrics"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
	"github.com/providentiaww/identity-server/internal/registry"
	"github.com/providentiaww/identity-server/internal/storage"
	"github.com/providentiaww/identity-server/internal/tokens"
	"github.com/providentiaww/identity-server/internal/validation"
)

const (
	clientCacheDuration = 5 * time.Minute
	messagePurgeEvery   = time.Minute
)

// GrantStore is a persisted grant backend the sweeper can clean.
type GrantStore interface {
	grants.PersistedGrantStore
	grants.CleanableGrantStore
}

// DeviceStore is a device flow backend the sweeper can clean.
type DeviceStore interface {
	grants.DeviceFlowStore
	grants.CleanableDeviceFlowStore
}

// Backends are the storage and messaging implementations picked by main.
type Backends struct {
	Grants GrantStore
	// Devices enables the device flow when set.
	Devices DeviceStore
	// Clients is searched after the registry clients.
	Clients oauth.ClientStore
	// Registrar receives dynamically registered clients. The in-memory
	// registry store is used when nil.
	Registrar oauth.ClientRegistrar
	// Keys overrides key management with a fixed key source.
	Keys     keys.Source
	KeyStore keys.Store
	// KeyClock drives managed key ages; time.Now when nil.
	KeyClock func() time.Time
	Messages storage.MessageBackend
	// Publisher receives lifecycle events; events are dropped when nil.
	Publisher events.Publisher
	// Checks run on /healthz.
	Checks map[string]func(context.Context) error
}

// App is the assembled server.
type App struct {
	Config   oauth.Config
	Server   *endpoints.Server
	Account  *account.Handler
	Sweeper  *grants.Sweeper
	Sessions *auth.SessionManager
	Keys     keys.Source

	messages storage.MessageBackend
	checks   map[string]func(context.Context) error
	handler  http.Handler
}

func log(method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{"package": "app", "method": method})
}

// New wires every component. file may be nil for an empty registry.
func New(cfg oauth.Config, file *registry.File, b Backends) (*App, error) {
	if b.Grants == nil {
		return nil, errors.New("grant store is required")
	}
	if b.Messages == nil {
		b.Messages = storage.NewMemoryMessageBackend()
	}
	if file == nil {
		file = &registry.File{}
	}

	protectionKey, err := dataProtectionKey(cfg)
	if err != nil {
		return nil, err
	}
	protector := func(purpose string) (protect.Protector, error) {
		return protect.NewAESGCM(protectionKey, purpose)
	}
	grantProtector, err := protector("grants")
	if err != nil {
		return nil, err
	}
	sessionProtector, err := protector("sessions")
	if err != nil {
		return nil, err
	}
	messageProtector, err := protector("messages")
	if err != nil {
		return nil, err
	}

	keySource := b.Keys
	if keySource == nil {
		if !cfg.Keys.Enabled {
			return nil, errors.New("a static key source is required when key management is disabled")
		}
		store := b.KeyStore
		if store == nil {
			log("New").Warn("no key store configured, signing keys are kept in memory")
			store = keys.NewMemoryStore()
		}
		keyProtector, err := protector("keys")
		if err != nil {
			return nil, err
		}
		manager, err := keys.NewManager(store, keyProtector, cfg.Keys, b.Publisher)
		if err != nil {
			return nil, err
		}
		if b.KeyClock != nil {
			manager.WithClock(b.KeyClock)
		}
		keySource = manager
	}

	yamlClients := registry.NewClientStore(file.Clients)
	chain := registry.CompositeClientStore{yamlClients}
	if b.Clients != nil {
		chain = append(chain, b.Clients)
	}
	registrar := b.Registrar
	if registrar == nil {
		registrar = yamlClients
	}
	clients := registry.NewCachingClientStore(chain, clientCacheDuration)
	resources := registry.NewResourceStore(file.IdentityResources, file.APIScopes, file.APIResources)
	users := registry.NewUserStore(file.Users)

	providers := auth.NewRegistry()
	if err := providers.Build(file.Providers, users); err != nil {
		return nil, err
	}

	grantStore := grants.Instrument(b.Grants)
	codes := grants.NewAuthorizationCodeStore(grantStore, grantProtector)
	refresh := grants.NewRefreshTokenStore(grantStore, grantProtector)
	references := grants.NewReferenceTokenStore(grantStore, grantProtector)
	consents := grants.NewConsentStore(grantStore, grantProtector)
	var devices *grants.DeviceCodeService
	var cleanableDevices grants.CleanableDeviceFlowStore
	if b.Devices != nil {
		devices = grants.NewDeviceCodeService(b.Devices, grantProtector, cfg.UserCodeLength)
		cleanableDevices = b.Devices
	}

	profile := tokens.NewUserProfileService(users)
	clientAuth := validation.NewClientAuthenticator(clients, cfg.InputLengths)
	authorize := validation.NewAuthorizeValidator(cfg, clients, resources, codes, consents, keySource, b.Publisher)
	service, err := tokens.NewService(cfg, tokens.Dependencies{
		Clients:       clientAuth,
		Resources:     validation.NewResourceValidator(resources),
		Codes:         codes,
		RefreshTokens: refresh,
		References:    references,
		Devices:       devices,
		Minter:        tokens.NewMinter(cfg.Issuer, keySource, references),
		Profile:       profile,
		Publisher:     b.Publisher,
	})
	if err != nil {
		return nil, err
	}
	validator := tokens.NewValidator(cfg.Issuer, keySource, references)
	sessions := auth.NewSessionManager(cfg, sessionProtector)
	authorizeStore := storage.NewMessageStore[oauth.AuthorizeMessage](b.Messages, "authz:", cfg.AuthorizeMessageLifetime, messageProtector)
	errorStore := storage.NewMessageStore[oauth.ErrorMessage](b.Messages, "error:", cfg.ErrorMessageLifetime, messageProtector)

	server, err := endpoints.NewServer(endpoints.Options{
		Config:         cfg,
		Clients:        clients,
		Registrar:      registrar,
		Resources:      resources,
		Authorize:      authorize,
		ClientAuth:     clientAuth,
		Tokens:         service,
		Validator:      validator,
		Revoker:        tokens.NewRevoker(refresh, references, b.Publisher),
		Devices:        devices,
		Keys:           keySource,
		Profile:        profile,
		Sessions:       sessions,
		AuthorizeStore: authorizeStore,
		ErrorStore:     errorStore,
		Publisher:      b.Publisher,
	})
	if err != nil {
		return nil, err
	}
	accounts, err := account.New(account.Options{
		Config:         cfg,
		Sessions:       sessions,
		Providers:      providers,
		Authorize:      authorize,
		AuthorizeStore: authorizeStore,
		Clients:        clients,
		Resources:      resources,
		Devices:        devices,
		Publisher:      b.Publisher,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		Config:   cfg,
		Server:   server,
		Account:  accounts,
		Sweeper:  grants.NewSweeper(b.Grants, cleanableDevices, cfg.Cleanup, b.Publisher),
		Sessions: sessions,
		Keys:     keySource,
		messages: b.Messages,
		checks:   b.Checks,
	}
	a.handler = a.routes()
	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Start runs the background loops until ctx is cancelled: the grant sweeper
// when cleanup is enabled, and the purge of in-memory messages.
func (a *App) Start(ctx context.Context) {
	if a.Config.Cleanup.Enabled {
		go a.Sweeper.Start(ctx)
	}
	if mem, ok := a.messages.(*storage.MemoryMessageBackend); ok {
		go func() {
			ticker := time.NewTicker(messagePurgeEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if n := mem.Purge(); n > 0 {
						log("Start").WithField("count", n).Debug("purged expired messages")
					}
				}
			}
		}()
	}
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", metrics.Handler())
	r.Get("/healthz", a.handleHealth)

	mount := func(sub chi.Router) {
		a.Server.Routes(sub)
		a.Account.Routes(sub)
	}
	if a.Config.PathBase == "" {
		mount(r)
	} else {
		r.Route(a.Config.PathBase, func(sub chi.Router) { mount(sub) })
	}
	return r
}

func dataProtectionKey(cfg oauth.Config) ([]byte, error) {
	if cfg.DataProtectionKey != "" {
		return protect.KeyFromBase64(cfg.DataProtectionKey)
	}
	log("dataProtectionKey").Warn("OAUTH_DATA_PROTECTION_KEY not set, using an ephemeral key; sessions and grants will not survive a restart")
	return protect.GenerateKey()
}
