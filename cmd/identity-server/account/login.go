package account

import (
	"net/http"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/cmd/identity-server/auth"
	"github.com/providentiaww/identity-server/internal/oauth"
)

const maxFormBytes = 64 << 10

type providerView struct {
	Scheme      string
	DisplayName string
	Password    bool
}

type loginPage struct {
	Title       string
	Action      string
	ReturnParam string
	ReturnURL   string
	Username    string
	Error       string
	Providers   []providerView
}

// HandleLoginPage renders one form per identity provider. The username is
// prefilled from the login_hint of the pending authorize request.
func (h *Handler) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	returnURL := h.returnURL(r)
	var hint string
	if returnURL != "" {
		if msg, err := h.authorizeMessage(r.Context(), returnURL); err == nil {
			hint = msg.Parameters.Get(oauth.ParamLoginHint)
		}
	}
	h.renderLogin(w, http.StatusOK, returnURL, hint, "")
}

// HandleLogin authenticates against the posted provider, signs the user in
// and returns to the authorize callback. Cancel answers the pending request
// with access_denied.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	returnURL := h.returnURL(r)
	username := r.PostForm.Get("username")

	if r.PostForm.Get("button") == "cancel" {
		h.cancelLogin(w, r, returnURL)
		return
	}

	provider, ok := h.providers.Get(r.PostForm.Get("provider"))
	if !ok {
		h.renderLogin(w, http.StatusBadRequest, returnURL, username, "Unknown identity provider")
		return
	}
	subject, err := provider.Authenticate(ctx, auth.Credentials{
		Username: username,
		Password: r.PostForm.Get("password"),
		Token:    r.PostForm.Get("token"),
	})
	if errors.Is(err, auth.ErrInvalidCredentials) {
		h.log(r, "HandleLogin").WithFields(logrus.Fields{"provider": provider.Scheme()}).Info("login failed")
		h.renderLogin(w, http.StatusOK, returnURL, username, "Invalid username or password")
		return
	}
	if err != nil {
		h.log(r, "HandleLogin").WithError(err).Error("identity provider failed")
		h.renderLogin(w, http.StatusInternalServerError, returnURL, username, "Sign in failed, please try again")
		return
	}

	signedIn, err := h.sessions.SignIn(w, r, *subject)
	if err != nil {
		h.log(r, "HandleLogin").WithError(err).Error("failed to write session")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.log(r, "HandleLogin").WithFields(logrus.Fields{
		"subject":  signedIn.ID,
		"provider": provider.Scheme(),
	}).Info("user signed in")

	if returnURL == "" {
		returnURL = h.localURL("/")
	}
	http.Redirect(w, r, returnURL, http.StatusFound)
}

func (h *Handler) cancelLogin(w http.ResponseWriter, r *http.Request, returnURL string) {
	if returnURL == "" {
		http.Redirect(w, r, h.localURL("/"), http.StatusFound)
		return
	}
	msg, err := h.authorizeMessage(r.Context(), returnURL)
	if err != nil {
		if !errors.Is(err, oauth.ErrNotFound) {
			h.log(r, "cancelLogin").WithError(err).Error("failed to load authorization request")
		}
		http.Redirect(w, r, returnURL, http.StatusFound)
		return
	}
	msg.Consent = &oauth.ConsentResponse{Denied: true}
	if err := h.authorizeStore.Write(r.Context(), msg.ID, *msg); err != nil {
		h.log(r, "cancelLogin").WithError(err).Error("failed to store consent response")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, returnURL, http.StatusFound)
}

func (h *Handler) renderLogin(w http.ResponseWriter, status int, returnURL, username, message string) {
	data := loginPage{
		Title:       "Sign in",
		Action:      h.localURL(h.cfg.LoginURL),
		ReturnParam: h.cfg.ReturnURLParameter,
		ReturnURL:   returnURL,
		Username:    username,
		Error:       message,
	}
	for _, p := range h.providers.Providers() {
		data.Providers = append(data.Providers, providerView{
			Scheme:      p.Scheme(),
			DisplayName: p.DisplayName(),
			Password:    p.Type() == auth.ProviderTypeLocal,
		})
	}
	renderPage(w, status, loginTemplate, data)
}
