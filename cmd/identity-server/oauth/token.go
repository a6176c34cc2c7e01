package oauth

import (
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/validation"
)

// HandleToken exchanges grants for tokens.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if perr := parseForm(w, r); perr != nil {
		s.writeProtocolError(w, r, "token", perr)
		return
	}
	resp, err := s.tokens.Process(r.Context(), r)
	if err != nil {
		s.writeProtocolError(w, r, "token", err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleRevocation revokes refresh tokens and reference access tokens
// (RFC 7009). Unknown tokens still answer 200.
func (s *Server) HandleRevocation(w http.ResponseWriter, r *http.Request) {
	if perr := parseForm(w, r); perr != nil {
		s.writeProtocolError(w, r, "revocation", perr)
		return
	}
	client, err := s.clientAuth.Authenticate(r.Context(), r)
	if err != nil {
		s.writeProtocolError(w, r, "revocation", err)
		return
	}
	form := r.PostForm
	if err := s.revoker.Revoke(r.Context(), client, form.Get(oauth.ParamToken), form.Get(oauth.ParamTokenTypeHint)); err != nil {
		s.writeProtocolError(w, r, "revocation", err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

// HandleIntrospection reports token state to API resources authenticating
// with HTTP Basic (RFC 7662).
func (s *Server) HandleIntrospection(w http.ResponseWriter, r *http.Request) {
	if perr := parseForm(w, r); perr != nil {
		s.writeProtocolError(w, r, "introspection", perr)
		return
	}
	ctx := r.Context()

	name, secret, ok := r.BasicAuth()
	if ok {
		name, _ = url.QueryUnescape(name)
		secret, _ = url.QueryUnescape(secret)
	}
	if !ok || name == "" {
		s.writeProtocolError(w, r, "introspection", oauth.NewError(oauth.ErrorInvalidClient, "api resource credentials required"))
		return
	}
	apis, err := s.resources.FindAPIResourcesByName(ctx, []string{name})
	if err != nil {
		s.writeProtocolError(w, r, "introspection", err)
		return
	}
	if len(apis) != 1 || !validation.SecretMatches(apis[0].Secrets, secret, s.now()) {
		s.log(r, "HandleIntrospection").WithField("api", name).Info("api resource authentication failed")
		s.writeProtocolError(w, r, "introspection", oauth.NewError(oauth.ErrorInvalidClient, ""))
		return
	}

	token := r.PostForm.Get(oauth.ParamToken)
	if token == "" {
		s.writeProtocolError(w, r, "introspection", oauth.InvalidRequest("token is required"))
		return
	}
	out, err := s.validator.Introspect(ctx, &apis[0], token)
	if err != nil {
		s.writeProtocolError(w, r, "introspection", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// deviceAuthorizationResponse is the RFC 8628 section 3.2 body.
type deviceAuthorizationResponse struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`
}

// HandleDeviceAuthorization starts a device flow (RFC 8628).
func (s *Server) HandleDeviceAuthorization(w http.ResponseWriter, r *http.Request) {
	if perr := parseForm(w, r); perr != nil {
		s.writeProtocolError(w, r, "device_authorization", perr)
		return
	}
	ctx := r.Context()
	client, err := s.clientAuth.Authenticate(ctx, r)
	if err != nil {
		s.writeProtocolError(w, r, "device_authorization", err)
		return
	}
	if !client.AllowsGrantType(oauth.GrantTypeDeviceCode) {
		s.writeProtocolError(w, r, "device_authorization", oauth.NewError(oauth.ErrorUnauthorizedClient, "device flow not allowed for client"))
		return
	}

	raw := r.PostForm.Get(oauth.ParamScope)
	if len(raw) > s.cfg.InputLengths.Scope {
		s.writeProtocolError(w, r, "device_authorization", oauth.InvalidRequest("scope too long"))
		return
	}
	scopes := validation.ParseScopes(raw)
	if len(scopes) == 0 {
		scopes = client.AllowedScopes
	}
	validated, err := s.scopes.Validate(ctx, client, scopes, nil)
	if err != nil {
		s.writeProtocolError(w, r, "device_authorization", err)
		return
	}
	if perr := validation.Check(validated); perr != nil {
		s.writeProtocolError(w, r, "device_authorization", perr)
		return
	}

	code := &oauth.DeviceCode{
		CreationTime:    s.now().UTC(),
		Lifetime:        client.DeviceCodeLifetime,
		ClientID:        client.ClientID,
		IsOpenID:        containsScope(validated.ParsedScopes, oauth.ScopeOpenID),
		RequestedScopes: validated.ParsedScopes,
	}
	handle, err := s.devices.Create(ctx, code)
	if err != nil {
		s.writeProtocolError(w, r, "device_authorization", err)
		return
	}

	s.log(r, "HandleDeviceAuthorization").WithFields(logrus.Fields{"client_id": client.ClientID}).Info("device authorization started")
	verification := s.absoluteURL(s.cfg.DeviceVerificationURL)
	writeJSON(w, http.StatusOK, deviceAuthorizationResponse{
		DeviceCode:              handle,
		UserCode:                code.UserCode,
		VerificationURI:         verification,
		VerificationURIComplete: appendQuery(verification, "userCode", code.UserCode),
		ExpiresIn:               int(client.DeviceCodeLifetime / time.Second),
		Interval:                int(s.cfg.DeviceCodeInterval / time.Second),
	})
}

func containsScope(scopes []string, scope string) bool {
	for _, s := range scopes {
		if s == scope {
			return true
		}
	}
	return false
}
