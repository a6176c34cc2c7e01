// Package oauth serves the protocol endpoints of the identity server.
package oauth

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/cmd/identity-server/auth"
	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/grants"
	"github.com/providentiaww/identity-server/internal/keys"
	"github.com/providentiaww/identity-server/internal/metrics"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/storage"
	"github.com/providentiaww/identity-server/internal/tokens"
	"github.com/providentiaww/identity-server/internal/validation"
)

// Endpoint paths, relative to the path base.
const (
	PathAuthorize               = "/connect/authorize"
	PathAuthorizeCallback       = "/connect/authorize/callback"
	PathToken                   = "/connect/token"
	PathUserInfo                = "/connect/userinfo"
	PathEndSession              = "/connect/endsession"
	PathRevocation              = "/connect/revocation"
	PathIntrospection           = "/connect/introspect"
	PathDeviceAuthorize         = "/connect/deviceauthorization"
	PathRegistration            = "/connect/register"
	PathDiscovery               = "/.well-known/openid-configuration"
	PathDiscoveryJWKS           = "/.well-known/openid-configuration/jwks"
	ParamAuthorizeID            = "authzId"
	ParamErrorID                = "errorId"
	maxFormBytes          int64 = 64 << 10
)

// Options wires a Server.
type Options struct {
	Config         oauth.Config
	Clients        oauth.ClientStore
	Registrar      oauth.ClientRegistrar
	Resources      oauth.ResourceStore
	Authorize      *validation.AuthorizeValidator
	ClientAuth     *validation.ClientAuthenticator
	Tokens         *tokens.Service
	Validator      *tokens.Validator
	Revoker        *tokens.Revoker
	Devices        *grants.DeviceCodeService
	Keys           keys.Source
	Profile        tokens.ProfileService
	Sessions       *auth.SessionManager
	AuthorizeStore *storage.MessageStore[oauth.AuthorizeMessage]
	ErrorStore     *storage.MessageStore[oauth.ErrorMessage]
	Publisher      events.Publisher
}

// Server holds the protocol endpoint handlers.
type Server struct {
	cfg            oauth.Config
	clients        oauth.ClientStore
	registrar      oauth.ClientRegistrar
	resources      oauth.ResourceStore
	scopes         *validation.ResourceValidator
	authorize      *validation.AuthorizeValidator
	clientAuth     *validation.ClientAuthenticator
	tokens         *tokens.Service
	validator      *tokens.Validator
	revoker        *tokens.Revoker
	devices        *grants.DeviceCodeService
	keys           keys.Source
	profile        tokens.ProfileService
	sessions       *auth.SessionManager
	authorizeStore *storage.MessageStore[oauth.AuthorizeMessage]
	errorStore     *storage.MessageStore[oauth.ErrorMessage]
	publisher      events.Publisher
	now            func() time.Time
}

// NewServer checks opts and builds the server. Registrar and Devices are
// optional and disable their endpoints when nil.
func NewServer(opts Options) (*Server, error) {
	switch {
	case opts.Clients == nil || opts.Resources == nil:
		return nil, errors.New("client and resource stores are required")
	case opts.Authorize == nil || opts.ClientAuth == nil:
		return nil, errors.New("authorize validator and client authenticator are required")
	case opts.Tokens == nil || opts.Validator == nil || opts.Revoker == nil:
		return nil, errors.New("token service, validator and revoker are required")
	case opts.Keys == nil || opts.Sessions == nil:
		return nil, errors.New("key source and session manager are required")
	case opts.AuthorizeStore == nil || opts.ErrorStore == nil:
		return nil, errors.New("message stores are required")
	}
	profile := opts.Profile
	if profile == nil {
		profile = tokens.NewUserProfileService(nil)
	}
	return &Server{
		cfg:            opts.Config,
		clients:        opts.Clients,
		registrar:      opts.Registrar,
		resources:      opts.Resources,
		scopes:         validation.NewResourceValidator(opts.Resources),
		authorize:      opts.Authorize,
		clientAuth:     opts.ClientAuth,
		tokens:         opts.Tokens,
		validator:      opts.Validator,
		revoker:        opts.Revoker,
		devices:        opts.Devices,
		keys:           opts.Keys,
		profile:        profile,
		sessions:       opts.Sessions,
		authorizeStore: opts.AuthorizeStore,
		errorStore:     opts.ErrorStore,
		publisher:      opts.Publisher,
		now:            time.Now,
	}, nil
}

// Routes mounts the protocol endpoints on r.
func (s *Server) Routes(r chi.Router) {
	r.Get(PathDiscovery, s.HandleDiscovery)
	r.Get(PathDiscoveryJWKS, s.HandleJWKS)

	r.Get(PathAuthorize, s.HandleAuthorize)
	r.Post(PathAuthorize, s.HandleAuthorize)
	r.Get(PathAuthorizeCallback, s.HandleAuthorizeCallback)

	r.Post(PathToken, s.HandleToken)
	r.Post(PathRevocation, s.HandleRevocation)
	r.Post(PathIntrospection, s.HandleIntrospection)

	userinfo := auth.RequireToken(s.validator)
	r.Get(PathUserInfo, userinfo.HandlerFunc(s.HandleUserInfo))
	r.Post(PathUserInfo, userinfo.HandlerFunc(s.HandleUserInfo))

	r.Get(PathEndSession, s.HandleEndSession)
	r.Post(PathEndSession, s.HandleEndSession)

	if s.devices != nil {
		r.Post(PathDeviceAuthorize, s.HandleDeviceAuthorization)
	}
	if s.registrar != nil && s.cfg.DCRMode != "disabled" {
		r.Post(PathRegistration, s.HandleRegister)
	}
	if strings.HasPrefix(s.cfg.ErrorURL, "/") {
		r.Get(s.cfg.ErrorURL, s.HandleErrorPage)
	}
}

func (s *Server) log(r *http.Request, method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package":    "oauth",
		"method":     method,
		"request_id": middleware.GetReqID(r.Context()),
	})
}

// localURL prefixes server-relative paths with the path base.
func (s *Server) localURL(path string) string {
	if strings.HasPrefix(path, "/") {
		return s.cfg.PathBase + path
	}
	return path
}

// absoluteURL resolves server-relative paths against the issuer.
func (s *Server) absoluteURL(path string) string {
	if strings.HasPrefix(path, "/") {
		return s.cfg.IssuerURL(path)
	}
	return path
}

// requestBaseURL returns scheme, host and path base of r.
func (s *Server) requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + s.cfg.PathBase
}

// parseForm reads a form-encoded body, bounded to maxFormBytes.
func parseForm(w http.ResponseWriter, r *http.Request) *oauth.Error {
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return oauth.InvalidRequest("content type must be application/x-www-form-urlencoded")
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		return oauth.InvalidRequest("malformed form body")
	}
	return nil
}

// appendQuery adds key=value to the query of target.
func appendQuery(target, key, value string) string {
	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}
	return target + sep + url.QueryEscape(key) + "=" + url.QueryEscape(value)
}

// writeProtocolError writes a JSON protocol error. invalid_client answers 401
// and unknown errors are logged and reported as server_error.
func (s *Server) writeProtocolError(w http.ResponseWriter, r *http.Request, endpoint string, err error) {
	pe, ok := oauth.AsError(err)
	if !ok {
		s.log(r, endpoint).WithError(err).Error("request failed")
		pe = oauth.NewError(oauth.ErrorServerError, "")
	}
	metrics.ProtocolError(endpoint, pe.Code)

	status := http.StatusBadRequest
	switch pe.Code {
	case oauth.ErrorInvalidClient:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Basic realm="`+s.cfg.Issuer+`"`)
	case oauth.ErrorServerError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, pe)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
