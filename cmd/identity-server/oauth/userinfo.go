package oauth

import (
	"net/http"

	"github.com/providentiaww/identity-server/cmd/identity-server/auth"
	"github.com/providentiaww/identity-server/internal/metrics"
	"github.com/providentiaww/identity-server/internal/oauth"
)

// HandleUserInfo returns the claims of the identity scopes granted to the
// access token. It runs behind the bearer middleware.
func (s *Server) HandleUserInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	token, ok := auth.TokenFromContext(ctx)
	if !ok {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if token.SubjectID == "" || !containsScope(token.Scopes, oauth.ScopeOpenID) {
		metrics.ProtocolError("userinfo", oauth.ErrorInsufficientScope)
		w.Header().Set("WWW-Authenticate", `Bearer error="insufficient_scope"`)
		w.WriteHeader(http.StatusForbidden)
		return
	}

	subject := &oauth.Subject{ID: token.SubjectID, SessionID: token.SessionID}
	if idp, ok := token.Claims["idp"].(string); ok {
		subject.IdentityProvider = idp
	}
	active, err := s.profile.IsActive(ctx, subject)
	if err != nil {
		s.log(r, "HandleUserInfo").WithError(err).Error("profile check failed")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if !active {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	identity, err := s.resources.FindIdentityResourcesByScopeName(ctx, token.Scopes)
	if err != nil {
		s.log(r, "HandleUserInfo").WithError(err).Error("failed to load identity resources")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	var claimTypes []string
	for _, ir := range identity {
		for _, c := range ir.UserClaims {
			if !containsScope(claimTypes, c) {
				claimTypes = append(claimTypes, c)
			}
		}
	}

	claims, err := s.profile.GetProfileClaims(ctx, subject, claimTypes)
	if err != nil {
		s.log(r, "HandleUserInfo").WithError(err).Error("failed to load profile claims")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	if claims == nil {
		claims = map[string]any{}
	}
	claims["sub"] = token.SubjectID
	writeJSON(w, http.StatusOK, claims)
}
