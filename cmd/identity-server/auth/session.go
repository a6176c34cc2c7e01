package auth

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
)

// Session is the payload of the authentication cookie.
type Session struct {
	Subject   oauth.Subject `json:"subject"`
	ExpiresAt time.Time     `json:"exp"`
}

// SessionManager reads and writes the protected session cookie.
type SessionManager struct {
	name      string
	path      string
	lifetime  time.Duration
	protector protect.Protector
	now       func() time.Time
}

// NewSessionManager builds a manager for cfg's cookie name and lifetime.
func NewSessionManager(cfg oauth.Config, protector protect.Protector) *SessionManager {
	path := cfg.PathBase
	if path == "" {
		path = "/"
	}
	return &SessionManager{
		name:      cfg.SessionCookieName,
		path:      path,
		lifetime:  cfg.SessionLifetime,
		protector: protector,
		now:       time.Now,
	}
}

// SignIn writes a session for subject. A session id and auth time are
// assigned when missing. It returns the subject as stored.
func (m *SessionManager) SignIn(w http.ResponseWriter, r *http.Request, subject oauth.Subject) (oauth.Subject, error) {
	now := m.now().UTC()
	if subject.SessionID == "" {
		subject.SessionID = uuid.NewString()
	}
	if subject.AuthTime.IsZero() {
		subject.AuthTime = now
	}
	session := Session{Subject: subject, ExpiresAt: now.Add(m.lifetime)}

	payload, err := json.Marshal(session)
	if err != nil {
		return subject, errors.Wrap(err, "marshal session")
	}
	value, err := m.protector.Protect(payload)
	if err != nil {
		return subject, errors.Wrap(err, "protect session")
	}
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    value,
		Path:     m.path,
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	return subject, nil
}

// Current returns the signed-in subject, or nil when the cookie is missing,
// expired or cannot be opened.
func (m *SessionManager) Current(r *http.Request) *oauth.Subject {
	cookie, err := r.Cookie(m.name)
	if err != nil || cookie.Value == "" {
		return nil
	}
	payload, err := m.protector.Unprotect(cookie.Value)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "auth",
			"method":  "SessionManager.Current",
		}).WithError(err).Debug("ignoring unreadable session cookie")
		return nil
	}
	var session Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil
	}
	if !m.now().Before(session.ExpiresAt) || session.Subject.ID == "" {
		return nil
	}
	return &session.Subject
}

// SignOut expires the session cookie.
func (m *SessionManager) SignOut(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    "",
		Path:     m.path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https"
}
