package oauth

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/metrics"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/validation"
)

// HandleAuthorize starts an authorization request (GET query or POST form).
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	if r.Method == http.MethodPost {
		if perr := parseForm(w, r); perr != nil {
			s.showError(w, r, perr, nil)
			return
		}
		params = r.PostForm
	}
	s.processAuthorize(w, r, params, nil, "")
}

// HandleAuthorizeCallback resumes an authorization request after login or
// consent. The request parameters come from the stored message.
func (s *Server) HandleAuthorizeCallback(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get(ParamAuthorizeID)
	if id == "" {
		s.showError(w, r, oauth.InvalidRequest("missing "+ParamAuthorizeID), nil)
		return
	}
	msg, err := s.authorizeStore.Read(r.Context(), id)
	if errors.Is(err, oauth.ErrNotFound) {
		s.showError(w, r, oauth.InvalidRequest("authorization request expired"), nil)
		return
	}
	if err != nil {
		s.log(r, "HandleAuthorizeCallback").WithError(err).Error("failed to load authorization request")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	s.processAuthorize(w, r, msg.Parameters, msg.Consent, id)
}

// processAuthorize runs the validator and turns its result into a redirect,
// an interaction page or an error page. messageID is set when resuming.
func (s *Server) processAuthorize(w http.ResponseWriter, r *http.Request, params url.Values, consent *oauth.ConsentResponse, messageID string) {
	ctx := r.Context()
	result, err := s.authorize.Process(ctx, validation.AuthorizeRequest{
		Parameters: params,
		Subject:    s.sessions.Current(r),
		BaseURL:    s.requestBaseURL(r),
		Consent:    consent,
	})
	if err != nil {
		s.log(r, "processAuthorize").WithError(err).Error("authorize request failed")
		s.showError(w, r, oauth.NewError(oauth.ErrorServerError, ""), nil)
		return
	}

	switch result.Kind {
	case validation.ResultLogin, validation.ResultConsent:
		target := s.cfg.LoginURL
		if result.Kind == validation.ResultConsent {
			target = s.cfg.ConsentURL
		}
		id, err := s.saveAuthorizeMessage(ctx, params, messageID)
		if err != nil {
			s.log(r, "processAuthorize").WithError(err).Error("failed to store authorization request")
			s.showError(w, r, oauth.NewError(oauth.ErrorServerError, ""), nil)
			return
		}
		returnURL := appendQuery(s.localURL(PathAuthorizeCallback), ParamAuthorizeID, id)
		http.Redirect(w, r, appendQuery(s.localURL(target), s.cfg.ReturnURLParameter, returnURL), http.StatusFound)

	case validation.ResultCustomRedirect:
		http.Redirect(w, r, result.CustomRedirectURL, http.StatusFound)

	case validation.ResultResponse:
		s.forget(ctx, messageID)
		resp := result.Response
		s.writeAuthorizeResponse(w, r, resp.RedirectURI, resp.ResponseMode, resp.Parameters())

	default:
		s.forget(ctx, messageID)
		metrics.ProtocolError("authorize", result.Error.Code)
		if !result.RedirectsError() {
			s.showError(w, r, result.Error, result)
			return
		}
		out := url.Values{}
		out.Set("error", result.Error.Code)
		if result.Error.Description != "" {
			out.Set("error_description", result.Error.Description)
		}
		if result.State != "" {
			out.Set(oauth.ParamState, result.State)
		}
		if s.cfg.EmitIssuerIdentification {
			out.Set(oauth.ParamIssuer, s.cfg.Issuer)
		}
		s.writeAuthorizeResponse(w, r, result.RedirectURI, result.ResponseMode, out)
	}
}

// saveAuthorizeMessage stores params without prompt so the interaction is
// not requested again on return. An existing message id is reused.
func (s *Server) saveAuthorizeMessage(ctx context.Context, params url.Values, id string) (string, error) {
	if id == "" {
		id = s.authorizeStore.NewID()
	}
	msg := oauth.AuthorizeMessage{
		ID:         id,
		Parameters: validation.ParametersWithoutPrompt(params),
		CreatedAt:  s.now().UTC(),
	}
	return id, s.authorizeStore.Write(ctx, id, msg)
}

func (s *Server) forget(ctx context.Context, messageID string) {
	if messageID == "" {
		return
	}
	if err := s.authorizeStore.Delete(ctx, messageID); err != nil && !errors.Is(err, oauth.ErrNotFound) {
		logrus.WithFields(logrus.Fields{"package": "oauth", "method": "forget"}).WithError(err).Warn("failed to delete authorization request")
	}
}

// writeAuthorizeResponse delivers params to redirectURI using the response
// mode: query string, fragment or an auto-posting form.
func (s *Server) writeAuthorizeResponse(w http.ResponseWriter, r *http.Request, redirectURI, mode string, params url.Values) {
	w.Header().Set("Cache-Control", "no-store")
	switch mode {
	case oauth.ResponseModeFormPost:
		renderFormPost(w, redirectURI, params)
	case oauth.ResponseModeFragment:
		base, _, _ := strings.Cut(redirectURI, "#")
		http.Redirect(w, r, base+"#"+params.Encode(), http.StatusFound)
	default:
		target, err := url.Parse(redirectURI)
		if err != nil {
			s.showError(w, r, oauth.InvalidRequest("invalid redirect_uri"), nil)
			return
		}
		query := target.Query()
		for k, v := range params {
			query[k] = v
		}
		target.RawQuery = query.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
	}
}

// showError stores the error for the error page and redirects there.
func (s *Server) showError(w http.ResponseWriter, r *http.Request, perr *oauth.Error, result *validation.AuthorizeResult) {
	ctx := r.Context()
	msg := oauth.ErrorMessage{
		ID:          s.errorStore.NewID(),
		Error:       perr.Code,
		Description: perr.Description,
		RequestID:   middleware.GetReqID(ctx),
		CreatedAt:   s.now().UTC(),
	}
	if result != nil {
		if result.Request != nil {
			msg.ClientID = result.Request.ClientID
		}
		msg.RedirectURI = result.RedirectURI
		msg.ResponseMode = result.ResponseMode
	}
	if err := s.errorStore.Write(ctx, msg.ID, msg); err != nil {
		s.log(r, "showError").WithError(err).Error("failed to store error message")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, appendQuery(s.localURL(s.cfg.ErrorURL), ParamErrorID, msg.ID), http.StatusFound)
}
