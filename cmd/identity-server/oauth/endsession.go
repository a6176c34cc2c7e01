package oauth

import (
	"net/http"
	"net/url"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/oauth"
)

// HandleEndSession signs the user out (OpenID Connect RP-Initiated Logout).
// id_token_hint is checked for signature and issuer only, so expired hints
// are accepted. post_logout_redirect_uri must exactly match a URI registered
// for the client named by the hint or client_id.
func (s *Server) HandleEndSession(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if r.Method == http.MethodPost {
		if perr := parseForm(w, r); perr != nil {
			s.showError(w, r, perr, nil)
			return
		}
		params = r.PostForm
	}
	ctx := r.Context()

	current := s.sessions.Current(r)
	clientID := params.Get(oauth.ParamClientID)

	if hint := params.Get(oauth.ParamIDTokenHint); hint != "" {
		if len(hint) > s.cfg.InputLengths.IDTokenHint {
			s.showError(w, r, oauth.InvalidRequest("id_token_hint too long"), nil)
			return
		}
		claims, err := s.validator.ValidateIdentityTokenHint(ctx, hint)
		if err != nil {
			s.log(r, "HandleEndSession").WithError(err).Info("invalid id_token_hint")
			s.showError(w, r, oauth.InvalidRequest("invalid id_token_hint"), nil)
			return
		}
		aud, _ := claims.GetAudience()
		if len(aud) == 0 {
			s.showError(w, r, oauth.InvalidRequest("id_token_hint has no audience"), nil)
			return
		}
		if clientID != "" && clientID != aud[0] {
			s.showError(w, r, oauth.InvalidRequest("client_id does not match id_token_hint"), nil)
			return
		}
		clientID = aud[0]
		if sub, _ := claims.GetSubject(); current != nil && sub != current.ID {
			s.showError(w, r, oauth.InvalidRequest("id_token_hint does not match the current user"), nil)
			return
		}
	}

	redirect := params.Get(oauth.ParamPostLogoutRedirect)
	if redirect != "" {
		if clientID == "" {
			s.showError(w, r, oauth.InvalidRequest("id_token_hint or client_id is required with post_logout_redirect_uri"), nil)
			return
		}
		client, err := s.clients.FindClientByID(ctx, clientID)
		if err != nil && !errors.Is(err, oauth.ErrNotFound) {
			s.log(r, "HandleEndSession").WithError(err).Error("failed to load client")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		if client == nil || !client.Enabled || !containsScope(client.PostLogoutRedirectURIs, redirect) {
			s.showError(w, r, oauth.InvalidRequest("invalid post_logout_redirect_uri"), nil)
			return
		}
	}

	if current != nil {
		s.sessions.SignOut(w, r)
		events.Emit(ctx, s.publisher, events.Event{
			Type:      events.SessionEnded,
			ClientID:  clientID,
			SubjectID: current.ID,
			SessionID: current.SessionID,
		})
		s.log(r, "HandleEndSession").WithFields(logrus.Fields{
			"subject":   current.ID,
			"client_id": clientID,
		}).Info("session ended")
	}

	if redirect == "" {
		http.Redirect(w, r, appendQuery(s.localURL(s.cfg.LogoutURL), "loggedOut", "true"), http.StatusFound)
		return
	}
	target, err := url.Parse(redirect)
	if err != nil {
		s.showError(w, r, oauth.InvalidRequest("invalid post_logout_redirect_uri"), nil)
		return
	}
	if state := params.Get(oauth.ParamState); state != "" {
		query := target.Query()
		query.Set(oauth.ParamState, state)
		target.RawQuery = query.Encode()
	}
	http.Redirect(w, r, target.String(), http.StatusFound)
}
