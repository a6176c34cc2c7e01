package validation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/registry"
)

func TestRedirectURIAllowed(t *testing.T) {
	spa := &oauth.Client{Profile: oauth.ProfileFirstPartySPA}
	web := &oauth.Client{Profile: oauth.ProfileWeb}

	tests := []struct {
		name       string
		client     *oauth.Client
		registered []string
		requested  string
		want       bool
	}{
		{"exact", web, []string{webRedirect}, webRedirect, true},
		{"trailing slash differs", web, []string{webRedirect}, webRedirect + "/", false},
		{"case differs", web, []string{webRedirect}, strings.ToUpper(webRedirect), false},
		{"query differs", web, []string{webRedirect}, webRedirect + "?x=1", false},
		{"spa relative resolved", spa, []string{"/authentication/login-callback"}, spaRedirect, true},
		{"spa relative other host", spa, []string{"/authentication/login-callback"}, "https://evil.example.com/authentication/login-callback", false},
		{"spa relative requested relative", spa, []string{"/authentication/login-callback"}, "/authentication/login-callback", false},
		{"web cannot use relative", web, []string{"/authentication/login-callback"}, spaRedirect, false},
		{"not a uri", web, []string{webRedirect}, "::::", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedirectURIAllowed(tt.client, tt.registered, tt.requested, baseURL))
		})
	}
}

func TestValidateRegistrationRedirectURI(t *testing.T) {
	assert.NoError(t, ValidateRegistrationRedirectURI("https://app.example.com/cb"))
	assert.NoError(t, ValidateRegistrationRedirectURI("http://localhost:8080/cb"))
	assert.NoError(t, ValidateRegistrationRedirectURI("http://127.0.0.1/cb"))
	assert.Error(t, ValidateRegistrationRedirectURI("http://app.example.com/cb"))
	assert.Error(t, ValidateRegistrationRedirectURI("https://app.example.com/cb#frag"))
	assert.Error(t, ValidateRegistrationRedirectURI("/cb"))
}

func TestOrigin(t *testing.T) {
	assert.Equal(t, "https://localhost:5001", Origin(spaRedirect))
	assert.Equal(t, "", Origin("/relative"))
}

func TestValidateCodeChallenge(t *testing.T) {
	limits := oauth.DefaultInputLengthRestrictions()
	strict := &oauth.Client{RequirePkce: true}
	lenient := &oauth.Client{AllowPlainTextPkce: true}

	method, perr := ValidateCodeChallenge(strict, rfcChallenge, "S256", limits)
	require.Nil(t, perr)
	assert.Equal(t, oauth.CodeChallengeMethodSHA256, method)

	method, perr = ValidateCodeChallenge(lenient, strings.Repeat("a", 43), "", limits)
	require.Nil(t, perr)
	assert.Equal(t, oauth.CodeChallengeMethodPlain, method)

	method, perr = ValidateCodeChallenge(lenient, "", "", limits)
	require.Nil(t, perr)
	assert.Empty(t, method)

	_, perr = ValidateCodeChallenge(strict, "", "", limits)
	require.NotNil(t, perr)
	assert.Equal(t, oauth.ErrorInvalidRequest, perr.Code)

	_, perr = ValidateCodeChallenge(strict, strings.Repeat("a", 42), "S256", limits)
	require.NotNil(t, perr)
	assert.Equal(t, oauth.ErrorInvalidRequest, perr.Code)
}

func TestVerifyCodeVerifier(t *testing.T) {
	limits := oauth.DefaultInputLengthRestrictions()

	assert.True(t, VerifyCodeVerifier(rfcChallenge, "S256", rfcVerifier, limits))
	assert.False(t, VerifyCodeVerifier(rfcChallenge, "S256", rfcVerifier+"x", limits))
	assert.False(t, VerifyCodeVerifier(rfcChallenge, "S256", "short", limits))

	plain := strings.Repeat("v", 50)
	assert.True(t, VerifyCodeVerifier(plain, "plain", plain, limits))
	assert.False(t, VerifyCodeVerifier(plain, "plain", strings.Repeat("w", 50), limits))
}

func TestParseScopes(t *testing.T) {
	assert.Equal(t, []string{"openid", "profile"}, ParseScopes("  openid profile openid "))
	assert.Empty(t, ParseScopes(""))
}

func TestResourceValidator(t *testing.T) {
	ctx := context.Background()
	v := NewResourceValidator(testResources())
	client := &oauth.Client{AllowedScopes: []string{"openid", "profile", "blog.api"}, AllowOfflineAccess: true}

	result, err := v.Validate(ctx, client, []string{"openid", "blog.api", "offline_access"}, []string{blogAPI})
	require.NoError(t, err)
	assert.True(t, result.Succeeded())
	assert.Equal(t, []string{"openid", "blog.api", "offline_access"}, result.ParsedScopes)
	assert.True(t, result.Resources.OfflineAccess)
	require.Len(t, result.Resources.APIResources, 1)
	assert.Equal(t, []string{blogAPI}, result.Audiences())
	assert.Nil(t, Check(result))

	result, err = v.Validate(ctx, client, []string{"openid", "email"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"email"}, result.InvalidScopes)
	assert.Equal(t, oauth.ErrorInvalidScope, Check(result).Code)

	// The indicator names an API the requested scopes do not reach.
	result, err = v.Validate(ctx, client, []string{"openid"}, []string{blogAPI})
	require.NoError(t, err)
	assert.Equal(t, oauth.ErrorInvalidTarget, Check(result).Code)
}

func TestSessionState(t *testing.T) {
	a := ComputeSessionState("c", "https://x", "sid", "salt")
	assert.Equal(t, a, ComputeSessionState("c", "https://x", "sid", "salt"))
	assert.NotEqual(t, a, ComputeSessionState("c", "https://y", "sid", "salt"))
	assert.True(t, strings.HasSuffix(a, ".salt"))

	s1, err := NewSessionState("c", "https://x", "sid")
	require.NoError(t, err)
	s2, err := NewSessionState("c", "https://x", "sid")
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}

func tokenRequest(form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/connect/token", strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_ = r.ParseForm()
	return r
}

func TestClientAuthenticator(t *testing.T) {
	ctx := context.Background()
	hash := func(s string) string {
		h, err := bcrypt.GenerateFromPassword([]byte(s), bcrypt.MinCost)
		require.NoError(t, err)
		return string(h)
	}
	past := time.Now().Add(-time.Hour)
	clients := registry.NewClientStore([]oauth.Client{
		{
			ClientID:            "conf.client",
			Enabled:             true,
			RequireClientSecret: true,
			Secrets: []oauth.Secret{
				{Value: hash("s3cret+/"), Type: oauth.SecretTypeSharedSecret},
				{Value: hash("old"), Type: oauth.SecretTypeSharedSecret, Expiration: &past},
			},
		},
		{ClientID: "public.client", Enabled: true},
		{ClientID: "off.client", RequireClientSecret: true},
	})
	auth := NewClientAuthenticator(clients, oauth.DefaultInputLengthRestrictions())

	basic := tokenRequest(url.Values{"grant_type": {"authorization_code"}})
	basic.SetBasicAuth(url.QueryEscape("conf.client"), url.QueryEscape("s3cret+/"))
	client, err := auth.Authenticate(ctx, basic)
	require.NoError(t, err)
	assert.Equal(t, "conf.client", client.ClientID)

	post := tokenRequest(url.Values{"client_id": {"conf.client"}, "client_secret": {"s3cret+/"}})
	_, err = auth.Authenticate(ctx, post)
	require.NoError(t, err)

	public := tokenRequest(url.Values{"client_id": {"public.client"}})
	client, err = auth.Authenticate(ctx, public)
	require.NoError(t, err)
	assert.Equal(t, "public.client", client.ClientID)

	failures := map[string]*http.Request{
		"expired secret":   tokenRequest(url.Values{"client_id": {"conf.client"}, "client_secret": {"old"}}),
		"wrong secret":     tokenRequest(url.Values{"client_id": {"conf.client"}, "client_secret": {"nope"}}),
		"missing secret":   tokenRequest(url.Values{"client_id": {"conf.client"}}),
		"unknown client":   tokenRequest(url.Values{"client_id": {"ghost"}}),
		"disabled client":  tokenRequest(url.Values{"client_id": {"off.client"}, "client_secret": {"x"}}),
		"missing client":   tokenRequest(url.Values{}),
		"oversized secret": tokenRequest(url.Values{"client_id": {"conf.client"}, "client_secret": {strings.Repeat("x", 101)}}),
	}
	for name, r := range failures {
		t.Run(name, func(t *testing.T) {
			_, err := auth.Authenticate(ctx, r)
			perr, ok := oauth.AsError(err)
			require.True(t, ok, "expected protocol error, got %v", err)
			assert.Equal(t, oauth.ErrorInvalidClient, perr.Code)
		})
	}

	mismatch := tokenRequest(url.Values{"client_id": {"public.client"}})
	mismatch.SetBasicAuth("conf.client", "s3cret")
	_, err = auth.Authenticate(ctx, mismatch)
	perr, ok := oauth.AsError(err)
	require.True(t, ok)
	assert.Equal(t, oauth.ErrorInvalidRequest, perr.Code)
}
