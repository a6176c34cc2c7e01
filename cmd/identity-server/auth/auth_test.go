package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
	"github.com/providentiaww/identity-server/internal/registry"
	"github.com/providentiaww/identity-server/internal/tokens"
)

func newSessionManager(t *testing.T) *SessionManager {
	t.Helper()
	key, err := protect.GenerateKey()
	require.NoError(t, err)
	protector, err := protect.NewAESGCM(key, "session")
	require.NoError(t, err)
	return NewSessionManager(oauth.Config{SessionCookieName: "idsrv.session", SessionLifetime: time.Hour}, protector)
}

func TestSessionRoundTrip(t *testing.T) {
	m := newSessionManager(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	rec := httptest.NewRecorder()
	r := httptest.NewRequest(http.MethodPost, "https://idp.example/account/login", nil)
	r.Header.Set("X-Forwarded-Proto", "https")
	stored, err := m.SignIn(rec, r, oauth.Subject{ID: "1", IdentityProvider: "local"})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.SessionID)
	assert.Equal(t, now, stored.AuthTime)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.True(t, cookies[0].HttpOnly)
	assert.True(t, cookies[0].Secure)
	assert.Equal(t, http.SameSiteLaxMode, cookies[0].SameSite)

	next := httptest.NewRequest(http.MethodGet, "/connect/authorize", nil)
	next.AddCookie(cookies[0])
	current := m.Current(next)
	require.NotNil(t, current)
	assert.Equal(t, "1", current.ID)
	assert.Equal(t, stored.SessionID, current.SessionID)

	now = now.Add(time.Hour)
	assert.Nil(t, m.Current(next), "expired session")
}

func TestSessionRejectsTamperedCookie(t *testing.T) {
	m := newSessionManager(t)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: "idsrv.session", Value: "not-a-session"})
	assert.Nil(t, m.Current(r))
	assert.Nil(t, m.Current(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestSignOutExpiresCookie(t *testing.T) {
	m := newSessionManager(t)
	rec := httptest.NewRecorder()
	m.SignOut(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, -1, cookies[0].MaxAge)
	assert.False(t, cookies[0].Secure)
}

func testUsers(t *testing.T) *registry.UserStore {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.MinCost)
	require.NoError(t, err)
	return registry.NewUserStore([]registry.User{
		{SubjectID: "1", Username: "alice", PasswordHash: string(hash), Claims: map[string]any{"name": "Alice"}},
		{SubjectID: "2", Username: "bob", PasswordHash: string(hash), Disabled: true},
	})
}

func TestRegistryBuildsDefaultLocalProvider(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Build(nil, testUsers(t)))

	local, ok := reg.Get(ProviderTypeLocal)
	require.True(t, ok)
	subject, err := local.Authenticate(context.Background(), Credentials{Username: "ALICE", Password: "password"})
	require.NoError(t, err)
	assert.Equal(t, "1", subject.ID)
	assert.Equal(t, tokens.LocalIdentityProvider, subject.IdentityProvider)
	assert.Equal(t, []string{"pwd"}, subject.AuthMethods)
	assert.Equal(t, "Alice", subject.Claims["name"])

	_, err = local.Authenticate(context.Background(), Credentials{Username: "alice", Password: "wrong"})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, err = local.Authenticate(context.Background(), Credentials{Username: "bob", Password: "password"})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
}

func TestRegistryRejectsUnknownType(t *testing.T) {
	reg := NewRegistry()
	err := reg.Build([]registry.Provider{{Scheme: "saml", Type: "saml", Enabled: true}}, testUsers(t))
	assert.ErrorContains(t, err, "unknown type")

	reg = NewRegistry()
	require.NoError(t, reg.Build([]registry.Provider{{Scheme: "saml", Type: "saml"}}, testUsers(t)))
	_, ok := reg.Get("saml")
	assert.False(t, ok, "disabled providers are skipped")
}

func TestJWTProvider(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	fetches := 0
	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fetches++
		assert.Equal(t, "Bearer upstream-secret", r.Header.Get("Authorization"))
		set := jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{Key: &priv.PublicKey, KeyID: "k1", Algorithm: "RS256", Use: "sig"}}}
		_ = json.NewEncoder(w).Encode(set)
	}))
	defer jwks.Close()

	reg := NewRegistry()
	require.NoError(t, reg.Build([]registry.Provider{{
		Scheme:  "upstream",
		Type:    ProviderTypeJWT,
		Enabled: true,
		Settings: map[string]string{
			"jwks_url":   jwks.URL,
			"secret_key": "upstream-secret",
			"issuer":     "https://upstream.example",
		},
	}}, testUsers(t)))
	provider, ok := reg.Get("upstream")
	require.True(t, ok)
	assert.Len(t, reg.Providers(), 2)

	sign := func(kid, issuer string) string {
		token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
			"iss":   issuer,
			"sub":   "user_42",
			"email": "u42@example.com",
			"exp":   time.Now().Add(time.Minute).Unix(),
		})
		token.Header["kid"] = kid
		raw, err := token.SignedString(priv)
		require.NoError(t, err)
		return raw
	}

	subject, err := provider.Authenticate(context.Background(), Credentials{Token: sign("k1", "https://upstream.example")})
	require.NoError(t, err)
	assert.Equal(t, "user_42", subject.ID)
	assert.Equal(t, "upstream", subject.IdentityProvider)
	assert.Equal(t, "u42@example.com", subject.Claims["email"])

	_, err = provider.Authenticate(context.Background(), Credentials{Token: sign("k1", "https://evil.example")})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, err = provider.Authenticate(context.Background(), Credentials{Token: sign("k2", "https://upstream.example")})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	_, err = provider.Authenticate(context.Background(), Credentials{})
	assert.True(t, errors.Is(err, ErrInvalidCredentials))
	assert.Equal(t, 2, fetches, "unknown kid triggers one refresh")
}

func TestJWTProviderRequiresJWKSURL(t *testing.T) {
	err := NewRegistry().Build([]registry.Provider{{Scheme: "upstream", Type: ProviderTypeJWT, Enabled: true}}, testUsers(t))
	assert.ErrorContains(t, err, "jwks_url")
}

type stubValidator map[string]*oauth.Token

func (s stubValidator) ValidateAccessToken(_ context.Context, raw string) (*oauth.Token, error) {
	if raw == "broken" {
		return nil, errors.New("database down")
	}
	if token, ok := s[raw]; ok {
		return token, nil
	}
	return nil, tokens.ErrInvalidToken
}

func TestBearerMiddleware(t *testing.T) {
	validator := stubValidator{"good": {SubjectID: "1", ClientID: "spa"}}
	handler := RequireToken(validator).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := TokenFromContext(r.Context())
		require.True(t, ok)
		_, _ = w.Write([]byte(token.SubjectID))
	})

	call := func(r *http.Request) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, r)
		return rec
	}

	r := httptest.NewRequest(http.MethodGet, "/connect/userinfo", nil)
	r.Header.Set("Authorization", "Bearer good")
	rec := call(r)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Body.String())

	form := url.Values{"access_token": {"good"}}
	r = httptest.NewRequest(http.MethodPost, "/connect/userinfo", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusOK, call(r).Code)

	rec = call(httptest.NewRequest(http.MethodGet, "/connect/userinfo", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	r = httptest.NewRequest(http.MethodGet, "/connect/userinfo", nil)
	r.Header.Set("Authorization", "Bearer expired")
	rec = call(r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, `Bearer error="invalid_token"`, rec.Header().Get("WWW-Authenticate"))

	r = httptest.NewRequest(http.MethodGet, "/connect/userinfo", nil)
	r.Header.Set("Authorization", "Bearer broken")
	assert.Equal(t, http.StatusInternalServerError, call(r).Code)
}

func TestOptionalTokenPassesAnonymous(t *testing.T) {
	reached := false
	handler := OptionalToken(stubValidator{}).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok := TokenFromContext(r.Context())
		assert.False(t, ok)
		reached = true
	})
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer unknown")
	handler.ServeHTTP(httptest.NewRecorder(), r)
	assert.True(t, reached)
}
