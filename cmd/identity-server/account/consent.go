package account

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/validation"
)

// formTokenParam carries the per-interaction token of the consent form.
const formTokenParam = "formToken"

type consentPage struct {
	Title         string
	Action        string
	ReturnParam   string
	ReturnURL     string
	TokenParam    string
	FormToken     string
	ClientName    string
	AllowRemember bool
	Scopes        []scopeView
}

// HandleConsentPage lists the scopes of the pending authorize request.
func (h *Handler) HandleConsentPage(w http.ResponseWriter, r *http.Request) {
	returnURL := h.returnURL(r)
	req, msg, ok := h.pendingRequest(w, r, returnURL)
	if !ok {
		return
	}
	if msg.FormToken == "" {
		token, err := oauth.RandomString(32)
		if err != nil {
			h.log(r, "HandleConsentPage").WithError(err).Error("failed to generate form token")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		msg.FormToken = token
		if err := h.authorizeStore.Write(r.Context(), msg.ID, *msg); err != nil {
			h.log(r, "HandleConsentPage").WithError(err).Error("failed to store form token")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
	}
	renderPage(w, http.StatusOK, consentTemplate, consentPage{
		Title:         "Consent",
		Action:        h.localURL(h.cfg.ConsentURL),
		ReturnParam:   h.cfg.ReturnURLParameter,
		ReturnURL:     returnURL,
		TokenParam:    formTokenParam,
		FormToken:     msg.FormToken,
		ClientName:    displayName(req.Client.ClientName, req.ClientID),
		AllowRemember: req.Client.AllowRememberConsent,
		Scopes:        scopeViews(requestResources(req)),
	})
}

// HandleConsent records the user's answer on the pending request and returns
// to the authorize callback, which applies it.
func (h *Handler) HandleConsent(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	returnURL := h.returnURL(r)
	req, msg, ok := h.pendingRequest(w, r, returnURL)
	if !ok {
		return
	}
	if msg.FormToken == "" || !oauth.ConstantTimeEquals(msg.FormToken, r.PostForm.Get(formTokenParam)) {
		h.log(r, "HandleConsent").WithField("client_id", req.ClientID).Warn("consent form token mismatch")
		http.Error(w, "invalid or missing form token", http.StatusBadRequest)
		return
	}
	msg.FormToken = ""

	consent := &oauth.ConsentResponse{Denied: true}
	if r.PostForm.Get("button") == "yes" {
		views := scopeViews(requestResources(req))
		consent = &oauth.ConsentResponse{
			ScopesValuesConsented: consentedScopes(views, r.PostForm["scopes"]),
			RememberConsent:       req.Client.AllowRememberConsent && r.PostForm.Get("remember") == "true",
			Description:           r.PostForm.Get("description"),
		}
	}
	msg.Consent = consent
	if err := h.authorizeStore.Write(r.Context(), msg.ID, *msg); err != nil {
		h.log(r, "HandleConsent").WithError(err).Error("failed to store consent response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.log(r, "HandleConsent").WithFields(logrus.Fields{
		"client_id": req.ClientID,
		"granted":   consent.Granted(),
	}).Debug("consent answered")
	http.Redirect(w, r, returnURL, http.StatusFound)
}

// pendingRequest loads and re-validates the authorize request behind
// returnURL for the signed-in user. It writes the response itself and
// returns false when the page cannot be shown.
func (h *Handler) pendingRequest(w http.ResponseWriter, r *http.Request, returnURL string) (*validation.ValidatedAuthorizeRequest, *oauth.AuthorizeMessage, bool) {
	ctx := r.Context()
	if returnURL == "" {
		http.Error(w, "missing or invalid return URL", http.StatusBadRequest)
		return nil, nil, false
	}
	subject := h.sessions.Current(r)
	if subject == nil {
		http.Redirect(w, r, h.loginURL(returnURL), http.StatusFound)
		return nil, nil, false
	}
	msg, err := h.authorizeMessage(ctx, returnURL)
	if errors.Is(err, oauth.ErrNotFound) {
		http.Error(w, "authorization request expired", http.StatusBadRequest)
		return nil, nil, false
	}
	if err != nil {
		h.log(r, "pendingRequest").WithError(err).Error("failed to load authorization request")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, nil, false
	}

	req, fail, err := h.authorize.Validate(ctx, validation.AuthorizeRequest{
		Parameters: msg.Parameters,
		Subject:    subject,
		BaseURL:    h.requestBaseURL(r),
	})
	if err != nil {
		h.log(r, "pendingRequest").WithError(err).Error("failed to validate authorization request")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, nil, false
	}
	if fail != nil {
		// the callback renders the error properly
		http.Redirect(w, r, returnURL, http.StatusFound)
		return nil, nil, false
	}
	return req, msg, true
}

func requestResources(req *validation.ValidatedAuthorizeRequest) oauth.Resources {
	if req.ValidatedResources == nil {
		return oauth.Resources{}
	}
	return req.ValidatedResources.Resources
}

// loginURL is the login page returning to returnURL.
func (h *Handler) loginURL(returnURL string) string {
	return appendQuery(h.localURL(h.cfg.LoginURL), h.cfg.ReturnURLParameter, returnURL)
}

// requestBaseURL returns scheme, host and path base of r.
func (h *Handler) requestBaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + r.Host + h.cfg.PathBase
}
