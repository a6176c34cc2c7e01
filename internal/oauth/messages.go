package oauth

import (
	"net/url"
	"time"
)

// ConsentResponse is the user's answer on the consent screen.
type ConsentResponse struct {
	Denied                bool     `json:"denied,omitempty"`
	ScopesValuesConsented []string `json:"scopes_consented,omitempty"`
	RememberConsent       bool     `json:"remember_consent,omitempty"`
	Description           string   `json:"description,omitempty"`
}

// Granted reports whether the user approved at least one scope.
func (c *ConsentResponse) Granted() bool {
	return c != nil && !c.Denied && len(c.ScopesValuesConsented) > 0
}

// AuthorizeMessage carries an authorize request across the login and consent
// round trips. Its ID is the authzId of the callback URL.
type AuthorizeMessage struct {
	ID         string           `json:"id"`
	Parameters url.Values       `json:"parameters"`
	Consent    *ConsentResponse `json:"consent,omitempty"`
	// FormToken is issued with the consent page and must come back with
	// the consent form.
	FormToken string    `json:"form_token,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorMessage is what the error page renders for an error id.
type ErrorMessage struct {
	ID           string    `json:"id"`
	Error        string    `json:"error"`
	Description  string    `json:"error_description,omitempty"`
	ClientID     string    `json:"client_id,omitempty"`
	RedirectURI  string    `json:"redirect_uri,omitempty"`
	ResponseMode string    `json:"response_mode,omitempty"`
	RequestID    string    `json:"request_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}
