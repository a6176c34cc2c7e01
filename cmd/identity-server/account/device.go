package account

import (
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/oauth"
)

type devicePage struct {
	Title      string
	Action     string
	UserCode   string
	ClientName string
	Scopes     []scopeView
	Error      string
	Done       string
}

const errInvalidUserCode = "Invalid or expired code"

// HandleDevicePage asks for a user code, then shows what the device is
// requesting. The user must be signed in.
func (h *Handler) HandleDevicePage(w http.ResponseWriter, r *http.Request) {
	userCode := strings.TrimSpace(r.URL.Query().Get("userCode"))
	if h.sessions.Current(r) == nil {
		h.redirectDeviceLogin(w, r, userCode)
		return
	}
	if userCode == "" {
		h.renderDevice(w, http.StatusOK, devicePage{})
		return
	}

	code, ok := h.pendingDeviceCode(w, r, userCode)
	if !ok {
		return
	}
	page, err := h.deviceConsent(r, code)
	if err != nil {
		h.log(r, "HandleDevicePage").WithError(err).Error("failed to describe device request")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	h.renderDevice(w, http.StatusOK, page)
}

// HandleDevice records approval or denial of a device code for the signed-in
// user. Approving with no scope left counts as denial.
func (h *Handler) HandleDevice(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		http.Error(w, "malformed form body", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	userCode := strings.TrimSpace(r.PostForm.Get("userCode"))
	subject := h.sessions.Current(r)
	if subject == nil {
		h.redirectDeviceLogin(w, r, userCode)
		return
	}
	code, ok := h.pendingDeviceCode(w, r, userCode)
	if !ok {
		return
	}

	var granted []string
	if r.PostForm.Get("button") == "yes" {
		page, err := h.deviceConsent(r, code)
		if err != nil {
			h.log(r, "HandleDevice").WithError(err).Error("failed to describe device request")
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return
		}
		granted = consentedScopes(page.Scopes, r.PostForm["scopes"])
	}

	event := events.Event{ClientID: code.ClientID, SubjectID: subject.ID, SessionID: subject.SessionID}
	done := "Success! The device can now continue."
	if len(granted) == 0 {
		code.IsDenied = true
		event.Type = events.ConsentDenied
		done = "You denied the device access."
	} else {
		code.Subject = subject
		code.SessionID = subject.SessionID
		code.AuthorizedScopes = granted
		event.Type = events.ConsentGranted
		event.Data = map[string]any{"scopes": granted}
	}
	if err := h.devices.Update(ctx, *code); err != nil {
		h.log(r, "HandleDevice").WithError(err).Error("failed to update device code")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	events.Emit(ctx, h.publisher, event)
	h.log(r, "HandleDevice").WithFields(logrus.Fields{
		"client_id": code.ClientID,
		"subject":   subject.ID,
		"denied":    code.IsDenied,
	}).Info("device authorization answered")
	h.renderDevice(w, http.StatusOK, devicePage{Done: done})
}

// pendingDeviceCode loads a device code that is unexpired and unanswered.
// It renders the entry form with an error otherwise.
func (h *Handler) pendingDeviceCode(w http.ResponseWriter, r *http.Request, userCode string) (*oauth.DeviceCode, bool) {
	if userCode == "" || len(userCode) > h.cfg.InputLengths.UserCode {
		h.renderDevice(w, http.StatusBadRequest, devicePage{Error: errInvalidUserCode})
		return nil, false
	}
	code, err := h.devices.FindByUserCode(r.Context(), userCode)
	if err != nil && !errors.Is(err, oauth.ErrNotFound) {
		h.log(r, "pendingDeviceCode").WithError(err).Error("failed to load device code")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return nil, false
	}
	if code == nil || code.Expired(time.Now()) {
		h.renderDevice(w, http.StatusBadRequest, devicePage{Error: errInvalidUserCode})
		return nil, false
	}
	if code.IsDenied || code.IsAuthorized() {
		h.renderDevice(w, http.StatusBadRequest, devicePage{Error: "This code has already been used"})
		return nil, false
	}
	return code, true
}

// deviceConsent describes the client and the requested scopes of code.
func (h *Handler) deviceConsent(r *http.Request, code *oauth.DeviceCode) (devicePage, error) {
	ctx := r.Context()
	client, err := h.clients.FindClientByID(ctx, code.ClientID)
	if err != nil {
		return devicePage{}, errors.Wrap(err, "load client")
	}
	result, err := h.scopes.Validate(ctx, client, code.RequestedScopes, nil)
	if err != nil {
		return devicePage{}, errors.Wrap(err, "validate scopes")
	}
	return devicePage{
		UserCode:   code.UserCode,
		ClientName: displayName(client.ClientName, client.ClientID),
		Scopes:     scopeViews(result.Resources),
	}, nil
}

func (h *Handler) redirectDeviceLogin(w http.ResponseWriter, r *http.Request, userCode string) {
	returnURL := h.localURL(h.cfg.DeviceVerificationURL)
	if userCode != "" {
		returnURL = appendQuery(returnURL, "userCode", userCode)
	}
	http.Redirect(w, r, h.loginURL(returnURL), http.StatusFound)
}

func (h *Handler) renderDevice(w http.ResponseWriter, status int, page devicePage) {
	page.Title = "Device authorization"
	page.Action = h.localURL(h.cfg.DeviceVerificationURL)
	renderPage(w, status, deviceTemplate, page)
}
