// Package account serves the interactive pages of the identity server:
// login, consent, logout and device verification.
package account

import (
	"context"
	"html/template"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/cmd/identity-server/auth"
	endpoints "github.com/providentiaww/identity-server/cmd/identity-server/oauth"
	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/grants"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/storage"
	"github.com/providentiaww/identity-server/internal/validation"
)

// Options wires a Handler.
type Options struct {
	Config         oauth.Config
	Sessions       *auth.SessionManager
	Providers      *auth.Registry
	Authorize      *validation.AuthorizeValidator
	AuthorizeStore *storage.MessageStore[oauth.AuthorizeMessage]
	Clients        oauth.ClientStore
	Resources      oauth.ResourceStore
	Devices        *grants.DeviceCodeService
	Publisher      events.Publisher
}

// Handler serves the account pages.
type Handler struct {
	cfg            oauth.Config
	sessions       *auth.SessionManager
	providers      *auth.Registry
	authorize      *validation.AuthorizeValidator
	authorizeStore *storage.MessageStore[oauth.AuthorizeMessage]
	clients        oauth.ClientStore
	scopes         *validation.ResourceValidator
	devices        *grants.DeviceCodeService
	publisher      events.Publisher
}

// New checks opts and builds the handler. Devices is optional.
func New(opts Options) (*Handler, error) {
	switch {
	case opts.Sessions == nil || opts.Providers == nil:
		return nil, errors.New("session manager and provider registry are required")
	case opts.Authorize == nil || opts.AuthorizeStore == nil:
		return nil, errors.New("authorize validator and message store are required")
	case opts.Clients == nil || opts.Resources == nil:
		return nil, errors.New("client and resource stores are required")
	}
	return &Handler{
		cfg:            opts.Config,
		sessions:       opts.Sessions,
		providers:      opts.Providers,
		authorize:      opts.Authorize,
		authorizeStore: opts.AuthorizeStore,
		clients:        opts.Clients,
		scopes:         validation.NewResourceValidator(opts.Resources),
		devices:        opts.Devices,
		publisher:      opts.Publisher,
	}, nil
}

// Routes mounts the pages whose configured URLs are served locally.
func (h *Handler) Routes(r chi.Router) {
	mount := func(path string, get, post http.HandlerFunc) {
		if !strings.HasPrefix(path, "/") {
			return
		}
		r.Get(path, get)
		r.Post(path, post)
	}
	mount(h.cfg.LoginURL, h.HandleLoginPage, h.HandleLogin)
	mount(h.cfg.ConsentURL, h.HandleConsentPage, h.HandleConsent)
	mount(h.cfg.LogoutURL, h.HandleLogoutPage, h.HandleLogout)
	if h.devices != nil {
		mount(h.cfg.DeviceVerificationURL, h.HandleDevicePage, h.HandleDevice)
	}
}

func (h *Handler) log(r *http.Request, method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package":    "account",
		"method":     method,
		"request_id": middleware.GetReqID(r.Context()),
	})
}

// localURL prefixes server-relative paths with the path base.
func (h *Handler) localURL(path string) string {
	if strings.HasPrefix(path, "/") {
		return h.cfg.PathBase + path
	}
	return path
}

// returnURL reads the return URL parameter from the query or form. Anything
// that is not a local path is dropped.
func (h *Handler) returnURL(r *http.Request) string {
	target := r.FormValue(h.cfg.ReturnURLParameter)
	if !isLocalURL(target) {
		return ""
	}
	return target
}

func isLocalURL(target string) bool {
	if !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return false
	}
	u, err := url.Parse(target)
	return err == nil && u.Scheme == "" && u.Host == ""
}

// authorizeMessage loads the pending authorize request named by the authzId
// of returnURL.
func (h *Handler) authorizeMessage(ctx context.Context, returnURL string) (*oauth.AuthorizeMessage, error) {
	u, err := url.Parse(returnURL)
	if err != nil {
		return nil, oauth.ErrNotFound
	}
	id := u.Query().Get(endpoints.ParamAuthorizeID)
	if id == "" {
		return nil, oauth.ErrNotFound
	}
	msg, err := h.authorizeStore.Read(ctx, id)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// scopeView is one scope line on the consent and device pages.
type scopeView struct {
	Name        string
	DisplayName string
	Description string
	Required    bool
	Emphasize   bool
	Checked     bool
}

// scopeViews lists the identity scopes, API scopes and offline_access of a
// validated request, all preselected.
func scopeViews(res oauth.Resources) []scopeView {
	var out []scopeView
	for _, ir := range res.IdentityResources {
		out = append(out, scopeView{
			Name:        ir.Name,
			DisplayName: displayName(ir.DisplayName, ir.Name),
			Description: ir.Description,
			Required:    ir.Required,
			Emphasize:   ir.Emphasize,
			Checked:     true,
		})
	}
	for _, sc := range res.APIScopes {
		out = append(out, scopeView{
			Name:        sc.Name,
			DisplayName: displayName(sc.DisplayName, sc.Name),
			Description: sc.Description,
			Required:    sc.Required,
			Checked:     true,
		})
	}
	if res.OfflineAccess {
		out = append(out, scopeView{
			Name:        oauth.ScopeOfflineAccess,
			DisplayName: "Offline Access",
			Description: "Access to your applications and resources, even when you are offline",
			Emphasize:   true,
			Checked:     true,
		})
	}
	return out
}

// consentedScopes returns the posted scopes that were offered, plus every
// required scope.
func consentedScopes(views []scopeView, posted []string) []string {
	var out []string
	for _, v := range views {
		if v.Required || contains(posted, v.Name) {
			out = append(out, v.Name)
		}
	}
	return out
}

func displayName(display, name string) string {
	if display != "" {
		return display
	}
	return name
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func renderPage(w http.ResponseWriter, status int, tmpl *template.Template, data any) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(status)
	_ = tmpl.Execute(w, data)
}

// appendQuery adds key=value to the query of target.
func appendQuery(target, key, value string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}
