package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/tokens"
)

// Context keys for storing token information
type contextKey string

const (
	TokenContextKey contextKey = "access_token"
)

// AccessTokenValidator validates access tokens issued by this server.
type AccessTokenValidator interface {
	ValidateAccessToken(ctx context.Context, raw string) (*oauth.Token, error)
}

// BearerMiddleware authenticates requests carrying an access token issued
// by this server.
type BearerMiddleware struct {
	validator AccessTokenValidator
	optional  bool
}

// NewBearerMiddleware creates a new authentication middleware
func NewBearerMiddleware(validator AccessTokenValidator, optional bool) *BearerMiddleware {
	return &BearerMiddleware{validator: validator, optional: optional}
}

// RequireToken rejects requests without a valid access token.
func RequireToken(validator AccessTokenValidator) *BearerMiddleware {
	return NewBearerMiddleware(validator, false)
}

// OptionalToken lets requests without a valid token through anonymously.
func OptionalToken(validator AccessTokenValidator) *BearerMiddleware {
	return NewBearerMiddleware(validator, true)
}

// Handler wraps an HTTP handler with authentication
func (m *BearerMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		raw := ExtractTokenFromHeader(r)
		if raw == "" {
			raw = ExtractTokenFromForm(r)
		}
		if raw == "" {
			if !m.optional {
				challenge(w, "")
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		token, err := m.validator.ValidateAccessToken(r.Context(), raw)
		if err != nil {
			if !errors.Is(err, tokens.ErrInvalidToken) {
				logrus.WithFields(logrus.Fields{
					"package": "auth",
					"method":  "BearerMiddleware.Handler",
				}).WithError(err).Error("access token validation failed")
				http.Error(w, "internal server error", http.StatusInternalServerError)
				return
			}
			if !m.optional {
				challenge(w, oauth.ErrorInvalidToken)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		ctx := context.WithValue(r.Context(), TokenContextKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// HandlerFunc wraps an HTTP handler function with authentication
func (m *BearerMiddleware) HandlerFunc(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.Handler(next).ServeHTTP(w, r)
	}
}

// TokenFromContext returns the access token validated by the middleware.
func TokenFromContext(ctx context.Context) (*oauth.Token, bool) {
	token, ok := ctx.Value(TokenContextKey).(*oauth.Token)
	return token, ok
}

// ExtractTokenFromHeader extracts a bearer token from the Authorization header
func ExtractTokenFromHeader(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// ExtractTokenFromForm reads the access_token form parameter of a
// form-encoded POST (RFC 6750 section 2.2).
func ExtractTokenFromForm(r *http.Request) string {
	if r.Method != http.MethodPost {
		return ""
	}
	if !strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		return ""
	}
	if err := r.ParseForm(); err != nil {
		return ""
	}
	return r.PostForm.Get("access_token")
}

func challenge(w http.ResponseWriter, code string) {
	value := `Bearer`
	if code != "" {
		value += ` error="` + code + `"`
	}
	w.Header().Set("WWW-Authenticate", value)
	w.WriteHeader(http.StatusUnauthorized)
}
