package account

import (
	"net/http"

	"github.com/providentiaww/identity-server/internal/events"
)

type logoutPage struct {
	Title     string
	Action    string
	LoggedOut bool
}

// HandleLogoutPage asks for confirmation, or reports a completed sign-out
// when loggedOut=true or there is no session.
func (h *Handler) HandleLogoutPage(w http.ResponseWriter, r *http.Request) {
	loggedOut := r.URL.Query().Get("loggedOut") == "true" || h.sessions.Current(r) == nil
	renderPage(w, http.StatusOK, logoutTemplate, logoutPage{
		Title:     "Logout",
		Action:    h.localURL(h.cfg.LogoutURL),
		LoggedOut: loggedOut,
	})
}

// HandleLogout ends the session.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if current := h.sessions.Current(r); current != nil {
		h.sessions.SignOut(w, r)
		events.Emit(r.Context(), h.publisher, events.Event{
			Type:      events.SessionEnded,
			SubjectID: current.ID,
			SessionID: current.SessionID,
		})
		h.log(r, "HandleLogout").WithField("subject", current.ID).Info("session ended")
	}
	renderPage(w, http.StatusOK, logoutTemplate, logoutPage{
		Title:     "Logout",
		Action:    h.localURL(h.cfg.LogoutURL),
		LoggedOut: true,
	})
}
