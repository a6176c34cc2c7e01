package app_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/providentiaww/identity-server/cmd/identity-server/app/apptest"
	endpoints "github.com/providentiaww/identity-server/cmd/identity-server/oauth"
	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/oauth"
)

func webConfig(env *apptest.Env, scopes ...string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     apptest.WebClientID,
		ClientSecret: apptest.WebClientSecret,
		RedirectURL:  apptest.WebRedirectURI,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:   env.URL(endpoints.PathAuthorize),
			TokenURL:  env.URL(endpoints.PathToken),
			AuthStyle: oauth2.AuthStyleInHeader,
		},
	}
}

// authorize drives the browser through login and consent and returns the
// authorization code delivered to the client.
func authorize(t *testing.T, env *apptest.Env, authURL string, consented ...string) url.Values {
	t.Helper()
	cfg := env.App.Config

	resp := env.Get(t, authURL)
	require.Equal(t, cfg.LoginURL, apptest.Location(t, resp).Path)
	returnURL := env.ReturnURL(t, resp)

	resp = env.PostForm(t, cfg.LoginURL, url.Values{
		"provider":             {"local"},
		"username":             {apptest.Username},
		"password":             {apptest.Password},
		"button":               {"login"},
		cfg.ReturnURLParameter: {returnURL},
	})
	require.Equal(t, endpoints.PathAuthorizeCallback, apptest.Location(t, resp).Path)

	resp = env.Follow(t, resp)
	require.Equal(t, cfg.ConsentURL, apptest.Location(t, resp).Path)
	consentReturn := env.ReturnURL(t, resp)

	page := env.Follow(t, resp)
	require.Equal(t, http.StatusOK, page.StatusCode)
	body := apptest.Body(t, page)
	assert.Contains(t, body, "Web Client")

	resp = env.PostForm(t, cfg.ConsentURL, url.Values{
		"scopes":               consented,
		"button":               {"yes"},
		"formToken":            {apptest.FormToken(t, body)},
		cfg.ReturnURLParameter: {consentReturn},
	})
	require.Equal(t, endpoints.PathAuthorizeCallback, apptest.Location(t, resp).Path)

	resp = env.Follow(t, resp)
	loc := apptest.Location(t, resp)
	require.Equal(t, apptest.WebRedirectURI, loc.Scheme+"://"+loc.Host+loc.Path)
	return loc.Query()
}

func retrieveErrorCode(t *testing.T, err error) string {
	t.Helper()
	var re *oauth2.RetrieveError
	require.ErrorAs(t, err, &re)
	return re.ErrorCode
}

func TestAuthorizationCodeFlow(t *testing.T) {
	env := apptest.New(t)
	ctx := context.Background()
	conf := webConfig(env, oauth.ScopeOpenID, oauth.ScopeProfile, apptest.APIScope, oauth.ScopeOfflineAccess)
	verifier := oauth2.GenerateVerifier()

	authURL := conf.AuthCodeURL("state-123", oauth2.S256ChallengeOption(verifier), oauth2.SetAuthURLParam("nonce", "nonce-1"))
	result := authorize(t, env, authURL, oauth.ScopeProfile, apptest.APIScope, oauth.ScopeOfflineAccess)
	assert.Equal(t, "state-123", result.Get("state"))
	assert.Equal(t, env.App.Config.Issuer, result.Get("iss"))
	code := result.Get("code")
	require.NotEmpty(t, code)

	tok, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.NotEmpty(t, tok.RefreshToken)
	idToken, _ := tok.Extra("id_token").(string)
	require.NotEmpty(t, idToken)

	t.Run("identity token verifies against jwks", func(t *testing.T) {
		resp := env.Get(t, endpoints.PathDiscoveryJWKS)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var set jose.JSONWebKeySet
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
		require.NotEmpty(t, set.Keys)

		claims := jwt.MapClaims{}
		_, err := jwt.ParseWithClaims(idToken, claims, func(token *jwt.Token) (any, error) {
			kid, _ := token.Header["kid"].(string)
			keys := set.Key(kid)
			require.Len(t, keys, 1)
			return keys[0].Key, nil
		}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithIssuer(env.App.Config.Issuer), jwt.WithAudience(apptest.WebClientID))
		require.NoError(t, err)
		assert.Equal(t, apptest.SubjectID, claims["sub"])
		assert.Equal(t, "nonce-1", claims["nonce"])
	})

	t.Run("userinfo returns profile claims", func(t *testing.T) {
		resp, err := conf.Client(ctx, tok).Get(env.URL(endpoints.PathUserInfo))
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var claims map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&claims))
		assert.Equal(t, apptest.SubjectID, claims["sub"])
		assert.Equal(t, "Alice Liddell", claims["name"])
		assert.NotContains(t, claims, "email")
	})

	t.Run("introspection by the api", func(t *testing.T) {
		form := url.Values{"token": {tok.AccessToken}}
		req, err := http.NewRequest(http.MethodPost, env.URL(endpoints.PathIntrospection), strings.NewReader(form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.SetBasicAuth(url.QueryEscape(apptest.APIName), apptest.APISecret)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		assert.Equal(t, true, body["active"])
		assert.Equal(t, apptest.APIScope, body["scope"])
		assert.Equal(t, apptest.WebClientID, body["client_id"])
	})

	t.Run("code cannot be redeemed twice", func(t *testing.T) {
		_, err := conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
		require.Error(t, err)
		assert.Equal(t, oauth.ErrorInvalidGrant, retrieveErrorCode(t, err))
		_, ok := env.Events.Find(events.CodeReplayed)
		assert.True(t, ok)

		// the replay revoked the refresh token of the first redemption
		_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
		require.Error(t, err)
		assert.Equal(t, oauth.ErrorInvalidGrant, retrieveErrorCode(t, err))
	})
}

func TestFirstPartySPASignIn(t *testing.T) {
	env := apptest.New(t)
	ctx := context.Background()
	cfg := env.App.Config
	conf := &oauth2.Config{
		ClientID:    apptest.SPAClientID,
		RedirectURL: env.URL(apptest.SPARedirectPath),
		Scopes:      []string{oauth.ScopeOpenID, oauth.ScopeProfile},
		Endpoint: oauth2.Endpoint{
			AuthURL:   env.URL(endpoints.PathAuthorize),
			TokenURL:  env.URL(endpoints.PathToken),
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	verifier := oauth2.GenerateVerifier()

	resp := env.Get(t, conf.AuthCodeURL("spa-state", oauth2.S256ChallengeOption(verifier)))
	require.Equal(t, cfg.LoginURL, apptest.Location(t, resp).Path)
	resp = env.PostForm(t, cfg.LoginURL, url.Values{
		"provider":             {"local"},
		"username":             {apptest.Username},
		"password":             {apptest.Password},
		"button":               {"login"},
		cfg.ReturnURLParameter: {env.ReturnURL(t, resp)},
	})
	require.Equal(t, endpoints.PathAuthorizeCallback, apptest.Location(t, resp).Path)

	// no consent for this client: the callback answers the SPA directly on
	// the relative redirect URI resolved against the server
	loc := apptest.Location(t, env.Follow(t, resp))
	require.Equal(t, conf.RedirectURL, loc.Scheme+"://"+loc.Host+loc.Path)
	assert.Equal(t, "spa-state", loc.Query().Get("state"))

	tok, err := conf.Exchange(ctx, loc.Query().Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	assert.Empty(t, tok.RefreshToken)

	jwks := fetchJWKS(t, env)
	keyfunc := func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		found := jwks.Key(kid)
		require.Len(t, found, 1)
		return found[0].Key, nil
	}

	access := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(tok.AccessToken, access, keyfunc,
		jwt.WithValidMethods([]string{"ES256"}), jwt.WithIssuer(cfg.Issuer))
	require.NoError(t, err)
	assert.Equal(t, "openid profile", access["scope"])
	assert.Equal(t, apptest.SPAClientID, access["client_id"])
	assert.Equal(t, apptest.SubjectID, access["sub"])

	idToken, _ := tok.Extra("id_token").(string)
	require.NotEmpty(t, idToken)
	identity := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(idToken, identity, keyfunc,
		jwt.WithValidMethods([]string{"ES256"}), jwt.WithIssuer(cfg.Issuer), jwt.WithAudience(apptest.SPAClientID))
	require.NoError(t, err)
	assert.Equal(t, apptest.SubjectID, identity["sub"])
}

func fetchJWKS(t *testing.T, env *apptest.Env) jose.JSONWebKeySet {
	t.Helper()
	resp := env.Get(t, endpoints.PathDiscoveryJWKS)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var set jose.JSONWebKeySet
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&set))
	return set
}

func TestJWKSPublishesValidationKeysAcrossRotation(t *testing.T) {
	env := apptest.New(t)
	ctx := context.Background()
	day := 24 * time.Hour

	published := func() []string {
		var kids []string
		for _, k := range fetchJWKS(t, env).Keys {
			kids = append(kids, k.KeyID)
		}
		return kids
	}
	validation := func() []string {
		vks, err := env.App.Keys.GetValidationKeys(ctx)
		require.NoError(t, err)
		var kids []string
		for _, k := range vks {
			kids = append(kids, k.KeyID)
		}
		return kids
	}
	signing := func() string {
		creds, err := env.App.Keys.GetSigningCredentials(ctx)
		require.NoError(t, err)
		return creds.KeyID
	}

	kids := published()
	require.Len(t, kids, 1)
	assert.ElementsMatch(t, validation(), kids)
	first := kids[0]

	// the successor is announced before it signs anything
	env.Clock.Advance(77 * day)
	kids = published()
	require.Len(t, kids, 2)
	assert.ElementsMatch(t, validation(), kids)
	assert.Equal(t, first, signing())

	// the successor signs; the retired key is still published
	env.Clock.Advance(14 * day)
	kids = published()
	require.Len(t, kids, 2)
	assert.ElementsMatch(t, validation(), kids)
	assert.Contains(t, kids, first)
	assert.NotEqual(t, first, signing())

	// past the retention window only the successor remains
	env.Clock.Advance(14 * day)
	kids = published()
	require.Len(t, kids, 1)
	assert.ElementsMatch(t, validation(), kids)
	assert.NotEqual(t, first, kids[0])
	assert.Equal(t, kids[0], signing())
}

func TestRefreshAndRevocation(t *testing.T) {
	env := apptest.New(t)
	ctx := context.Background()
	conf := webConfig(env, oauth.ScopeOpenID, oauth.ScopeOfflineAccess)
	verifier := oauth2.GenerateVerifier()

	result := authorize(t, env, conf.AuthCodeURL("s", oauth2.S256ChallengeOption(verifier)), oauth.ScopeOfflineAccess)
	tok, err := conf.Exchange(ctx, result.Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	require.NotEmpty(t, tok.RefreshToken)

	refreshed, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	require.NoError(t, err)
	assert.NotEmpty(t, refreshed.AccessToken)
	require.NotEmpty(t, refreshed.RefreshToken)
	assert.NotEqual(t, tok.RefreshToken, refreshed.RefreshToken)

	// one-time refresh tokens are spent
	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken}).Token()
	require.Error(t, err)
	assert.Equal(t, oauth.ErrorInvalidGrant, retrieveErrorCode(t, err))

	form := url.Values{"token": {refreshed.RefreshToken}, "token_type_hint": {"refresh_token"}}
	req, err := http.NewRequest(http.MethodPost, env.URL(endpoints.PathRevocation), strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(apptest.WebClientID, apptest.WebClientSecret)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshed.RefreshToken}).Token()
	require.Error(t, err)
	assert.Equal(t, oauth.ErrorInvalidGrant, retrieveErrorCode(t, err))
	_, ok := env.Events.Find(events.TokenRevoked)
	assert.True(t, ok)
}

func TestEndSessionRedirectsWithState(t *testing.T) {
	env := apptest.New(t)
	ctx := context.Background()
	conf := webConfig(env, oauth.ScopeOpenID)
	verifier := oauth2.GenerateVerifier()

	result := authorize(t, env, conf.AuthCodeURL("s", oauth2.S256ChallengeOption(verifier)))
	tok, err := conf.Exchange(ctx, result.Get("code"), oauth2.VerifierOption(verifier))
	require.NoError(t, err)
	idToken, _ := tok.Extra("id_token").(string)
	require.NotEmpty(t, idToken)

	query := url.Values{
		"id_token_hint":            {idToken},
		"post_logout_redirect_uri": {apptest.WebPostLogoutURI},
		"state":                    {"bye"},
	}
	resp := env.Get(t, endpoints.PathEndSession+"?"+query.Encode())
	loc := apptest.Location(t, resp)
	assert.Equal(t, "client.example.com", loc.Host)
	assert.Equal(t, "/signed-out", loc.Path)
	assert.Equal(t, "bye", loc.Query().Get("state"))

	ended, ok := env.Events.Find(events.SessionEnded)
	require.True(t, ok)
	assert.Equal(t, apptest.WebClientID, ended.ClientID)
	assert.Equal(t, apptest.SubjectID, ended.SubjectID)

	// signed out: a new authorize request asks for login again
	resp = env.Get(t, conf.AuthCodeURL("s2", oauth2.S256ChallengeOption(verifier)))
	assert.Equal(t, env.App.Config.LoginURL, apptest.Location(t, resp).Path)
}

func TestClientCredentials(t *testing.T) {
	env := apptest.New(t)
	conf := clientcredentials.Config{
		ClientID:     apptest.ServiceClientID,
		ClientSecret: apptest.ServiceClientSecret,
		TokenURL:     env.URL(endpoints.PathToken),
		AuthStyle:    oauth2.AuthStyleInHeader,
	}

	tok, err := conf.Token(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	assert.Empty(t, tok.RefreshToken)
	assert.Equal(t, apptest.APIScope, tok.Extra("scope"))

	conf.ClientSecret = "wrong"
	_, err = conf.Token(context.Background())
	require.Error(t, err)
	var re *oauth2.RetrieveError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, oauth.ErrorInvalidClient, re.ErrorCode)
	assert.Equal(t, http.StatusUnauthorized, re.Response.StatusCode)
}

func TestDeviceFlow(t *testing.T) {
	env := apptest.New(t, func(c *oauth.Config) { c.DeviceCodeInterval = time.Second })
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conf := &oauth2.Config{
		ClientID: apptest.DeviceClientID,
		Scopes:   []string{oauth.ScopeOpenID, oauth.ScopeProfile, apptest.APIScope},
		Endpoint: oauth2.Endpoint{
			DeviceAuthURL: env.URL(endpoints.PathDeviceAuthorize),
			TokenURL:      env.URL(endpoints.PathToken),
			AuthStyle:     oauth2.AuthStyleInParams,
		},
	}

	da, err := conf.DeviceAuth(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, da.UserCode)
	assert.Equal(t, env.URL(env.App.Config.DeviceVerificationURL), da.VerificationURI)

	// not signed in yet: the verification page sends the user to login
	resp := env.Get(t, da.VerificationURIComplete)
	assert.Equal(t, env.App.Config.LoginURL, apptest.Location(t, resp).Path)

	env.Login(t)
	page := env.Get(t, da.VerificationURIComplete)
	require.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, apptest.Body(t, page), apptest.DeviceClientID)

	resp = env.PostForm(t, env.App.Config.DeviceVerificationURL, url.Values{
		"userCode": {da.UserCode},
		"button":   {"yes"},
		"scopes":   {oauth.ScopeProfile, apptest.APIScope},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "Success!")

	tok, err := conf.DeviceAccessToken(ctx, da)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.AccessToken)
	idToken, _ := tok.Extra("id_token").(string)
	assert.NotEmpty(t, idToken)
}

func TestDiscovery(t *testing.T) {
	env := apptest.New(t)

	resp := env.Get(t, endpoints.PathDiscovery)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var doc map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))

	issuer := env.App.Config.Issuer
	assert.Equal(t, issuer, doc["issuer"])
	assert.Equal(t, issuer+endpoints.PathDiscoveryJWKS, doc["jwks_uri"])
	assert.Equal(t, issuer+endpoints.PathDeviceAuthorize, doc["device_authorization_endpoint"])
	assert.Equal(t, issuer+endpoints.PathRegistration, doc["registration_endpoint"])
	assert.Contains(t, doc["scopes_supported"], apptest.APIScope)
	assert.Contains(t, doc["scopes_supported"], oauth.ScopeOfflineAccess)
	assert.Equal(t, []any{"ES256"}, doc["id_token_signing_alg_values_supported"])
}

func TestHealthAndMetrics(t *testing.T) {
	env := apptest.New(t)

	resp := env.Get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, apptest.Body(t, resp))

	resp = env.Get(t, "/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "go_goroutines")
}
