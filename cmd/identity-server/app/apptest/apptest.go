// Package apptest runs a fully wired identity server on a loopback listener
// for handler and end-to-end tests.
package apptest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/identity-server/cmd/identity-server/app"
	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/registry"
	"github.com/providentiaww/identity-server/internal/storage"
	"github.com/providentiaww/identity-server/internal/storage/storagetest"
)

// Registered clients, users and API resources.
const (
	WebClientID      = "web.client"
	WebClientSecret  = "web-secret"
	WebRedirectURI   = "https://client.example.com/callback"
	WebPostLogoutURI = "https://client.example.com/signed-out"

	ServiceClientID     = "service.client"
	ServiceClientSecret = "service-secret"

	DeviceClientID  = "device.client"
	SPAClientID     = "blog.spa.client"
	SPARedirectPath = "/authentication/login-callback"

	APIName   = "https://api.example.com/blog"
	APISecret = "api-secret"
	APIScope  = "blog.api"

	Username  = "alice"
	Password  = "wonderland"
	SubjectID = "1"

	DCRAccessToken = "registration-token"
)

const registryTemplate = `
clients:
  - client_id: web.client
    client_name: Web Client
    allowed_grant_types: [authorization_code, refresh_token]
    allowed_scopes: [openid, profile, email, blog.api]
    redirect_uris: [https://client.example.com/callback]
    post_logout_redirect_uris: [https://client.example.com/signed-out]
    secrets: [{value: "%[1]s", type: SharedSecret}]
    require_consent: true
    allow_remember_consent: true
    allow_offline_access: true
  - client_id: service.client
    allowed_grant_types: [client_credentials]
    allowed_scopes: [blog.api]
    secrets: [{value: "%[2]s", type: SharedSecret}]
  - client_id: device.client
    allowed_grant_types: ["urn:ietf:params:oauth:grant-type:device_code"]
    allowed_scopes: [openid, profile, blog.api]
    require_client_secret: false
  - client_id: blog.spa.client
    client_name: Blog SPA
    profile: first_party_spa
    allowed_grant_types: [authorization_code]
    allowed_scopes: [openid, profile]
    redirect_uris: [/authentication/login-callback]
    require_client_secret: false
    require_pkce: true
api_scopes:
  - name: blog.api
    display_name: Blog API
api_resources:
  - name: https://api.example.com/blog
    scopes: [blog.api]
    secrets: [{value: "%[3]s", type: SharedSecret}]
users:
  - subject: "1"
    username: alice
    password_hash: "%[4]s"
    claims:
      name: Alice Liddell
      given_name: Alice
      email: alice@example.com
`

// Recorder is an events.Publisher that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *Recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Types returns the recorded event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

// Find returns the last event of type typ.
func (r *Recorder) Find(typ string) (events.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return events.Event{}, false
}

// Clock is the signing key clock. It runs with wall time shifted by the
// advanced offset.
type Clock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// Env is a running server with a browser-like client. The client keeps
// cookies and does not follow redirects.
type Env struct {
	App    *app.App
	Server *httptest.Server
	Client *http.Client
	Events *Recorder
	Clock  *Clock
}

// New starts a server. mutate adjusts the configuration before wiring.
func New(t testing.TB, mutate ...func(*oauth.Config)) *Env {
	t.Helper()

	server := httptest.NewUnstartedServer(nil)
	issuer := "http://" + server.Listener.Addr().String()

	t.Setenv("OAUTH_ISSUER", issuer)
	cfg, err := oauth.LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	cfg.Keys.SigningAlgorithms = []string{"ES256"}
	cfg.Cleanup.Enabled = false
	cfg.DCRAccessToken = DCRAccessToken
	for _, m := range mutate {
		m(&cfg)
	}

	file, err := registry.Parse([]byte(fmt.Sprintf(registryTemplate,
		hash(t, WebClientSecret), hash(t, ServiceClientSecret), hash(t, APISecret), hash(t, Password))))
	if err != nil {
		t.Fatalf("Failed to parse registry: %v", err)
	}

	db := storagetest.OpenSQLite(t)
	recorder := &Recorder{}
	clock := &Clock{}
	a, err := app.New(cfg, file, app.Backends{
		Grants:    storage.NewGormGrantStore(db),
		Devices:   storage.NewGormDeviceFlowStore(db),
		Messages:  storage.NewMemoryMessageBackend(),
		Publisher: recorder,
		Checks:    map[string]func(context.Context) error{},
		KeyClock:  clock.Now,
	})
	if err != nil {
		t.Fatalf("Failed to build app: %v", err)
	}

	server.Config.Handler = a.Handler()
	server.Start()
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("Failed to create cookie jar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &Env{App: a, Server: server, Client: client, Events: recorder, Clock: clock}
}

func hash(t testing.TB, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("Failed to hash secret: %v", err)
	}
	return string(h)
}

// URL makes path absolute against the server. Absolute URLs pass through.
func (e *Env) URL(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return e.Server.URL + path
}

// Get issues a GET with the session cookies.
func (e *Env) Get(t testing.TB, path string) *http.Response {
	t.Helper()
	resp, err := e.Client.Get(e.URL(path))
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// PostForm posts form with the session cookies.
func (e *Env) PostForm(t testing.TB, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := e.Client.PostForm(e.URL(path), form)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// Location returns the redirect target of resp, resolved against the request.
func Location(t testing.TB, resp *http.Response) *url.URL {
	t.Helper()
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Expected 302, got %d: %s", resp.StatusCode, Body(t, resp))
	}
	loc, err := resp.Location()
	if err != nil {
		t.Fatalf("Missing Location header: %v", err)
	}
	return loc
}

// Follow issues a GET to the redirect target of resp.
func (e *Env) Follow(t testing.TB, resp *http.Response) *http.Response {
	t.Helper()
	return e.Get(t, Location(t, resp).String())
}

// Body reads the whole response body.
func Body(t testing.TB, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read body: %v", err)
	}
	return string(data)
}

// Login signs alice in without a pending authorization request.
func (e *Env) Login(t testing.TB) {
	t.Helper()
	resp := e.PostForm(t, e.App.Config.LoginURL, url.Values{
		"provider": {"local"},
		"username": {Username},
		"password": {Password},
		"button":   {"login"},
	})
	if resp.StatusCode != http.StatusFound {
		t.Fatalf("Login failed with %d: %s", resp.StatusCode, Body(t, resp))
	}
}

// ReturnURL extracts the return URL parameter of a login or consent
// redirect.
func (e *Env) ReturnURL(t testing.TB, resp *http.Response) string {
	t.Helper()
	ret := Location(t, resp).Query().Get(e.App.Config.ReturnURLParameter)
	if ret == "" {
		t.Fatalf("Redirect has no %s", e.App.Config.ReturnURLParameter)
	}
	return ret
}

var formTokenPattern = regexp.MustCompile(`name="formToken" value="([^"]+)"`)

// FormToken extracts the form token of a rendered consent page.
func FormToken(t testing.TB, body string) string {
	t.Helper()
	m := formTokenPattern.FindStringSubmatch(body)
	if m == nil {
		t.Fatalf("Page has no form token")
	}
	return m[1]
}
