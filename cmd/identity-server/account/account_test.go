package account_test

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/providentiaww/identity-server/cmd/identity-server/app/apptest"
	endpoints "github.com/providentiaww/identity-server/cmd/identity-server/oauth"
	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/oauth"
)

func startAuthorize(t *testing.T, env *apptest.Env) *http.Response {
	t.Helper()
	q := url.Values{
		"client_id":             {apptest.WebClientID},
		"response_type":         {"code"},
		"redirect_uri":          {apptest.WebRedirectURI},
		"scope":                 {"openid profile"},
		"state":                 {"abc"},
		"login_hint":            {apptest.Username},
		"code_challenge":        {oauth2.S256ChallengeFromVerifier(oauth2.GenerateVerifier())},
		"code_challenge_method": {"S256"},
	}
	return env.Get(t, endpoints.PathAuthorize+"?"+q.Encode())
}

func login(t *testing.T, env *apptest.Env, returnURL, password string) *http.Response {
	t.Helper()
	return env.PostForm(t, env.App.Config.LoginURL, url.Values{
		"provider":                        {"local"},
		"username":                        {apptest.Username},
		"password":                        {password},
		"button":                          {"login"},
		env.App.Config.ReturnURLParameter: {returnURL},
	})
}

// consentPage authorizes up to the consent page and returns its return URL.
func consentPage(t *testing.T, env *apptest.Env) string {
	t.Helper()
	returnURL := env.ReturnURL(t, startAuthorize(t, env))
	resp := env.Follow(t, login(t, env, returnURL, apptest.Password))
	require.Equal(t, env.App.Config.ConsentURL, apptest.Location(t, resp).Path)
	return env.ReturnURL(t, resp)
}

// openConsent renders the consent page and returns its body and form token.
func openConsent(t *testing.T, env *apptest.Env, returnURL string) (string, string) {
	t.Helper()
	page := env.Get(t, env.App.Config.ConsentURL+"?"+url.Values{"returnUrl": {returnURL}}.Encode())
	require.Equal(t, http.StatusOK, page.StatusCode)
	body := apptest.Body(t, page)
	return body, apptest.FormToken(t, body)
}

func clientRedirect(t *testing.T, resp *http.Response) url.Values {
	t.Helper()
	loc := apptest.Location(t, resp)
	require.Equal(t, "client.example.com", loc.Host)
	return loc.Query()
}

func TestLoginPage(t *testing.T) {
	env := apptest.New(t)
	returnURL := env.ReturnURL(t, startAuthorize(t, env))

	resp := env.Get(t, env.App.Config.LoginURL+"?"+url.Values{"returnUrl": {returnURL}}.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	body := apptest.Body(t, resp)
	assert.Contains(t, body, "Local account")
	assert.Contains(t, body, `value="alice"`)
	assert.Contains(t, body, `value="cancel"`)
}

func TestLoginFailures(t *testing.T) {
	env := apptest.New(t)

	resp := login(t, env, "", "wrong")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "Invalid username or password")

	resp = env.PostForm(t, env.App.Config.LoginURL, url.Values{"provider": {"corp"}, "button": {"login"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// still anonymous
	resp = env.Get(t, env.App.Config.LogoutURL)
	assert.Contains(t, apptest.Body(t, resp), "You are now logged out.")
}

func TestLoginIgnoresExternalReturnURL(t *testing.T) {
	env := apptest.New(t)

	resp := login(t, env, "https://evil.example.com/steal", apptest.Password)
	assert.Equal(t, "/", apptest.Location(t, resp).Path)
	assert.Equal(t, "127.0.0.1", apptest.Location(t, resp).Hostname())
}

func TestLoginCancelDeniesAuthorization(t *testing.T) {
	env := apptest.New(t)
	returnURL := env.ReturnURL(t, startAuthorize(t, env))

	resp := env.PostForm(t, env.App.Config.LoginURL, url.Values{
		"provider":  {"local"},
		"button":    {"cancel"},
		"returnUrl": {returnURL},
	})
	require.Equal(t, endpoints.PathAuthorizeCallback, apptest.Location(t, resp).Path)

	query := clientRedirect(t, env.Follow(t, resp))
	assert.Equal(t, oauth.ErrorAccessDenied, query.Get("error"))
	assert.Equal(t, "abc", query.Get("state"))
}

func TestConsentDenied(t *testing.T) {
	env := apptest.New(t)
	returnURL := consentPage(t, env)
	_, token := openConsent(t, env, returnURL)

	resp := env.PostForm(t, env.App.Config.ConsentURL, url.Values{
		"button":    {"no"},
		"formToken": {token},
		"returnUrl": {returnURL},
	})
	query := clientRedirect(t, env.Follow(t, resp))
	assert.Equal(t, oauth.ErrorAccessDenied, query.Get("error"))
	assert.Equal(t, "abc", query.Get("state"))
}

func TestConsentRemembered(t *testing.T) {
	env := apptest.New(t)
	returnURL := consentPage(t, env)

	body, token := openConsent(t, env, returnURL)
	assert.Contains(t, body, "Web Client is requesting your permission")
	assert.Contains(t, body, "Remember my decision")

	resp := env.PostForm(t, env.App.Config.ConsentURL, url.Values{
		"button":      {"yes"},
		"formToken":   {token},
		"scopes":      {oauth.ScopeProfile},
		"remember":    {"true"},
		"description": {"laptop"},
		"returnUrl":   {returnURL},
	})
	query := clientRedirect(t, env.Follow(t, resp))
	assert.NotEmpty(t, query.Get("code"))

	// the same request is now answered without asking again
	query = clientRedirect(t, startAuthorize(t, env))
	assert.NotEmpty(t, query.Get("code"))
	_, ok := env.Events.Find(events.CodeIssued)
	assert.True(t, ok)
}

func TestConsentRequiresFormToken(t *testing.T) {
	env := apptest.New(t)
	returnURL := consentPage(t, env)

	// a cross-site post cannot know the token
	resp := env.PostForm(t, env.App.Config.ConsentURL, url.Values{
		"button":    {"yes"},
		"returnUrl": {returnURL},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "invalid or missing form token")

	body, token := openConsent(t, env, returnURL)
	resp = env.PostForm(t, env.App.Config.ConsentURL, url.Values{
		"button":    {"yes"},
		"formToken": {token + "x"},
		"returnUrl": {returnURL},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// reloading the page keeps the same token
	_, again := openConsent(t, env, returnURL)
	assert.Equal(t, token, again)
	assert.Contains(t, body, `name="formToken"`)

	resp = env.PostForm(t, env.App.Config.ConsentURL, url.Values{
		"button":    {"yes"},
		"formToken": {token},
		"returnUrl": {returnURL},
	})
	assert.Equal(t, endpoints.PathAuthorizeCallback, apptest.Location(t, resp).Path)

	// the token is spent once the answer is recorded
	resp = env.PostForm(t, env.App.Config.ConsentURL, url.Values{
		"button":    {"no"},
		"formToken": {token},
		"returnUrl": {returnURL},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestConsentRequiresPendingRequest(t *testing.T) {
	env := apptest.New(t)

	resp := env.Get(t, env.App.Config.ConsentURL)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// anonymous users are sent to login first
	returnURL := endpoints.PathAuthorizeCallback + "?" + endpoints.ParamAuthorizeID + "=x"
	resp = env.Get(t, env.App.Config.ConsentURL+"?"+url.Values{"returnUrl": {returnURL}}.Encode())
	assert.Equal(t, env.App.Config.LoginURL, apptest.Location(t, resp).Path)

	env.Login(t)
	resp = env.Get(t, env.App.Config.ConsentURL+"?"+url.Values{"returnUrl": {returnURL}}.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func startDevice(t *testing.T, env *apptest.Env) (deviceCode, userCode string) {
	t.Helper()
	resp := env.PostForm(t, endpoints.PathDeviceAuthorize, url.Values{
		"client_id": {apptest.DeviceClientID},
		"scope":     {"openid profile"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		DeviceCode string `json:"device_code"`
		UserCode   string `json:"user_code"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.DeviceCode, body.UserCode
}

func pollDevice(t *testing.T, env *apptest.Env, deviceCode string) (int, map[string]any) {
	t.Helper()
	resp := env.PostForm(t, endpoints.PathToken, url.Values{
		"grant_type":  {oauth.GrantTypeDeviceCode},
		"client_id":   {apptest.DeviceClientID},
		"device_code": {deviceCode},
	})
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestDeviceDenied(t *testing.T) {
	env := apptest.New(t)
	deviceCode, userCode := startDevice(t, env)
	env.Login(t)

	resp := env.PostForm(t, env.App.Config.DeviceVerificationURL, url.Values{
		"userCode": {userCode},
		"button":   {"no"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "You denied the device access.")
	_, ok := env.Events.Find(events.ConsentDenied)
	assert.True(t, ok)

	resp = env.PostForm(t, env.App.Config.DeviceVerificationURL, url.Values{
		"userCode": {userCode},
		"button":   {"yes"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "This code has already been used")

	status, body := pollDevice(t, env, deviceCode)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, oauth.ErrorAccessDenied, body["error"])
}

func TestDeviceApproved(t *testing.T) {
	env := apptest.New(t)
	deviceCode, userCode := startDevice(t, env)
	env.Login(t)

	page := env.Get(t, env.App.Config.DeviceVerificationURL+"?"+url.Values{"userCode": {userCode}}.Encode())
	require.Equal(t, http.StatusOK, page.StatusCode)
	assert.Contains(t, apptest.Body(t, page), userCode)

	resp := env.PostForm(t, env.App.Config.DeviceVerificationURL, url.Values{
		"userCode": {userCode},
		"button":   {"yes"},
		"scopes":   {oauth.ScopeProfile},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "Success!")
	granted, ok := env.Events.Find(events.ConsentGranted)
	require.True(t, ok)
	assert.Equal(t, apptest.SubjectID, granted.SubjectID)

	status, body := pollDevice(t, env, deviceCode)
	require.Equal(t, http.StatusOK, status)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEmpty(t, body["id_token"])
	assert.Equal(t, "openid profile", body["scope"])
}

func TestDeviceUnknownCode(t *testing.T) {
	env := apptest.New(t)
	env.Login(t)

	resp := env.PostForm(t, env.App.Config.DeviceVerificationURL, url.Values{
		"userCode": {"NOPE"},
		"button":   {"yes"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "Invalid or expired code")

	resp = env.Get(t, env.App.Config.DeviceVerificationURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "Enter the code shown on your device")
}

func TestLogout(t *testing.T) {
	env := apptest.New(t)
	env.Login(t)

	resp := env.Get(t, env.App.Config.LogoutURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "Would you like to logout?")

	resp = env.PostForm(t, env.App.Config.LogoutURL, url.Values{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, apptest.Body(t, resp), "You are now logged out.")
	ended, ok := env.Events.Find(events.SessionEnded)
	require.True(t, ok)
	assert.Equal(t, apptest.SubjectID, ended.SubjectID)

	// the session cookie is gone
	resp = startAuthorize(t, env)
	assert.Equal(t, env.App.Config.LoginURL, apptest.Location(t, resp).Path)
}
