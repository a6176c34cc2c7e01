package oauth

import "github.com/pkg/errors"

// Storage sentinels.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrConflict reports a concurrent modification, such as a row deleted by
	// another instance between read and delete or a grant already consumed.
	ErrConflict = errors.New("concurrent modification")
)

// Error is an OAuth2/OIDC protocol error.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Safe reports whether the error may be sent to the client redirect URI.
func (e *Error) Safe() bool {
	return IsSafeError(e.Code)
}

// NewError builds a protocol error.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// InvalidRequest is a shorthand for invalid_request.
func InvalidRequest(description string) *Error {
	return NewError(ErrorInvalidRequest, description)
}

// InvalidGrant is a shorthand for invalid_grant.
func InvalidGrant(description string) *Error {
	return NewError(ErrorInvalidGrant, description)
}

// AsError extracts a protocol error from err.
func AsError(err error) (*Error, bool) {
	var pe *Error
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
