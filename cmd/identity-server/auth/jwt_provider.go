package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/registry"
)

// upstreamClaims are the claims read from an upstream token.
type upstreamClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid,omitempty"`
	Email     string `json:"email,omitempty"`
	Name      string `json:"name,omitempty"`
}

// jwtProvider accepts tokens signed by an upstream identity provider and
// verifies them against its JWKS. Keys are cached by kid and refreshed when
// an unknown kid shows up.
type jwtProvider struct {
	scheme     string
	display    string
	jwksURL    string
	secretKey  string
	issuer     string
	audience   string
	httpClient *http.Client

	keysMutex  sync.RWMutex
	publicKeys map[string]jose.JSONWebKey
}

func newJWTProvider(cfg registry.Provider, _ *registry.UserStore) (Provider, error) {
	jwksURL := cfg.Settings["jwks_url"]
	if jwksURL == "" {
		return nil, errors.New("jwt provider requires settings.jwks_url")
	}
	display := cfg.DisplayName
	if display == "" {
		display = cfg.Scheme
	}
	return &jwtProvider{
		scheme:     cfg.Scheme,
		display:    display,
		jwksURL:    jwksURL,
		secretKey:  cfg.Settings["secret_key"],
		issuer:     cfg.Settings["issuer"],
		audience:   cfg.Settings["audience"],
		httpClient: &http.Client{Timeout: 10 * time.Second},
		publicKeys: map[string]jose.JSONWebKey{},
	}, nil
}

func (p *jwtProvider) Scheme() string      { return p.scheme }
func (p *jwtProvider) Type() string        { return ProviderTypeJWT }
func (p *jwtProvider) DisplayName() string { return p.display }

// Authenticate verifies creds.Token and maps its claims to a subject.
func (p *jwtProvider) Authenticate(ctx context.Context, creds Credentials) (*oauth.Subject, error) {
	if creds.Token == "" {
		return nil, ErrInvalidCredentials
	}

	var opts []jwt.ParserOption
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}
	opts = append(opts, jwt.WithExpirationRequired())

	token, err := jwt.ParseWithClaims(creds.Token, &upstreamClaims{}, func(token *jwt.Token) (any, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, errors.New("missing kid in token header")
		}
		key, err := p.getPublicKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if key.Algorithm != "" && key.Algorithm != token.Method.Alg() {
			return nil, errors.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return key.Key, nil
	}, opts...)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "auth",
			"method":  "jwtProvider.Authenticate",
			"scheme":  p.scheme,
		}).WithError(err).Info("upstream token rejected")
		return nil, ErrInvalidCredentials
	}

	claims, ok := token.Claims.(*upstreamClaims)
	if !ok || claims.Subject == "" {
		return nil, ErrInvalidCredentials
	}

	subject := &oauth.Subject{
		ID:               claims.Subject,
		IdentityProvider: p.scheme,
		AuthMethods:      []string{"external"},
		Claims:           map[string]any{},
	}
	if claims.Email != "" {
		subject.Claims["email"] = claims.Email
	}
	if claims.Name != "" {
		subject.Claims["name"] = claims.Name
	}
	return subject, nil
}

// getPublicKey retrieves a public key by kid
func (p *jwtProvider) getPublicKey(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	p.keysMutex.RLock()
	key, exists := p.publicKeys[kid]
	p.keysMutex.RUnlock()
	if exists {
		return key, nil
	}

	if err := p.refreshPublicKeys(ctx); err != nil {
		return jose.JSONWebKey{}, err
	}

	p.keysMutex.RLock()
	key, exists = p.publicKeys[kid]
	p.keysMutex.RUnlock()
	if !exists {
		return jose.JSONWebKey{}, errors.Errorf("public key not found for kid: %s", kid)
	}
	return key, nil
}

// refreshPublicKeys fetches the upstream JWKS and replaces the cache.
func (p *jwtProvider) refreshPublicKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.jwksURL, nil)
	if err != nil {
		return errors.Wrap(err, "build jwks request")
	}
	if p.secretKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.secretKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "fetch jwks")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed to fetch JWKS: status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return errors.Wrap(err, "decode jwks")
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		if !k.IsPublic() {
			continue
		}
		keys[k.KeyID] = k
	}

	p.keysMutex.Lock()
	p.publicKeys = keys
	p.keysMutex.Unlock()
	return nil
}
