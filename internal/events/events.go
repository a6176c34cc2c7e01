// Package events publishes grant and token lifecycle events.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Event types.
const (
	CodeIssued        = "authorization_code.issued"
	CodeRedeemed      = "authorization_code.redeemed"
	CodeReplayed      = "authorization_code.replayed"
	TokenIssued       = "token.issued"
	TokenRevoked      = "token.revoked"
	GrantsSwept       = "grants.swept"
	SigningKeyCreated = "signing_key.created"
	SigningKeyPurged  = "signing_key.purged"
	SessionEnded      = "session.ended"
	ConsentGranted    = "consent.granted"
	ConsentDenied     = "consent.denied"
)

// Event is a lifecycle notification.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Time      time.Time      `json:"time"`
	ClientID  string         `json:"client_id,omitempty"`
	SubjectID string         `json:"subject_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Emit fills the event envelope and publishes it. Delivery failures are
// logged and never returned.
func Emit(ctx context.Context, p Publisher, e Event) {
	if p == nil {
		return
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	if err := p.Publish(ctx, e); err != nil {
		logrus.WithFields(logrus.Fields{
			"package": "events",
			"method":  "Emit",
			"type":    e.Type,
		}).WithError(err).Warn("failed to publish event")
	}
}

// LogPublisher writes events to the log at debug level.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, e Event) error {
	logrus.WithFields(logrus.Fields{
		"package":   "events",
		"type":      e.Type,
		"client_id": e.ClientID,
		"subject":   e.SubjectID,
		"event_id":  e.ID,
	}).Debug("event")
	return nil
}
