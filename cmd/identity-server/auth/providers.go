package auth

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/registry"
	"github.com/providentiaww/identity-server/internal/tokens"
)

// Provider types understood by the registry.
const (
	ProviderTypeLocal = "local"
	ProviderTypeJWT   = "jwt"
)

// ErrInvalidCredentials is returned when a provider rejects the presented
// credentials.
var ErrInvalidCredentials = errors.New("invalid credentials")

// Credentials is what the login form posts to a provider. Local providers
// read Username and Password, token providers read Token.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// Provider authenticates a user and returns the resulting subject.
type Provider interface {
	Scheme() string
	// Type is the registry type, which decides the login form fields.
	Type() string
	DisplayName() string
	Authenticate(ctx context.Context, creds Credentials) (*oauth.Subject, error)
}

// Factory builds a provider from its registry entry.
type Factory func(cfg registry.Provider, users *registry.UserStore) (Provider, error)

// Registry maps provider types to factories and holds the providers built
// at startup, keyed by scheme.
type Registry struct {
	factories map[string]Factory
	providers map[string]Provider
}

// NewRegistry returns a registry with the local and jwt factories.
func NewRegistry() *Registry {
	r := &Registry{factories: map[string]Factory{}, providers: map[string]Provider{}}
	r.Register(ProviderTypeLocal, newLocalProvider)
	r.Register(ProviderTypeJWT, newJWTProvider)
	return r
}

// Register adds or replaces the factory for typ.
func (r *Registry) Register(typ string, factory Factory) {
	r.factories[typ] = factory
}

// Build instantiates every enabled provider. A local provider with scheme
// "local" is added when none is declared.
func (r *Registry) Build(configs []registry.Provider, users *registry.UserStore) error {
	hasLocal := false
	for _, cfg := range configs {
		if cfg.Type == ProviderTypeLocal {
			hasLocal = true
		}
		if !cfg.Enabled {
			continue
		}
		factory, ok := r.factories[cfg.Type]
		if !ok {
			return errors.Errorf("provider %s: unknown type %q", cfg.Scheme, cfg.Type)
		}
		p, err := factory(cfg, users)
		if err != nil {
			return errors.Wrapf(err, "provider %s", cfg.Scheme)
		}
		r.providers[cfg.Scheme] = p
	}
	if !hasLocal {
		p, err := newLocalProvider(registry.Provider{Scheme: ProviderTypeLocal, Type: ProviderTypeLocal, DisplayName: "Local account", Enabled: true}, users)
		if err != nil {
			return err
		}
		r.providers[p.Scheme()] = p
	}
	return nil
}

// Get returns the provider registered under scheme.
func (r *Registry) Get(scheme string) (Provider, bool) {
	p, ok := r.providers[scheme]
	return p, ok
}

// Providers returns the built providers ordered by scheme.
func (r *Registry) Providers() []Provider {
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scheme() < out[j].Scheme() })
	return out
}

// localProvider checks username and password against the YAML users.
type localProvider struct {
	scheme  string
	display string
	users   *registry.UserStore
}

func newLocalProvider(cfg registry.Provider, users *registry.UserStore) (Provider, error) {
	if users == nil {
		return nil, errors.New("local provider requires a user store")
	}
	display := cfg.DisplayName
	if display == "" {
		display = "Local account"
	}
	return &localProvider{scheme: cfg.Scheme, display: display, users: users}, nil
}

func (p *localProvider) Scheme() string      { return p.scheme }
func (p *localProvider) Type() string        { return ProviderTypeLocal }
func (p *localProvider) DisplayName() string { return p.display }

func (p *localProvider) Authenticate(_ context.Context, creds Credentials) (*oauth.Subject, error) {
	user, ok := p.users.ValidateCredentials(creds.Username, creds.Password)
	if !ok {
		return nil, ErrInvalidCredentials
	}
	claims := map[string]any{}
	for k, v := range user.Claims {
		claims[k] = v
	}
	return &oauth.Subject{
		ID:               user.SubjectID,
		IdentityProvider: tokens.LocalIdentityProvider,
		AuthMethods:      []string{"pwd"},
		Claims:           claims,
	}, nil
}
