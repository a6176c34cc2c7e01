package tokens

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// Introspect reports the state of an access token to the API resource that
// authenticated the request (RFC 7662). Tokens not addressed to api are
// reported inactive, and scope is limited to the scopes api owns.
func (v *Validator) Introspect(ctx context.Context, api *oauth.APIResource, raw string) (map[string]any, error) {
	inactive := map[string]any{"active": false}

	token, err := v.ValidateAccessToken(ctx, raw)
	if errors.Is(err, ErrInvalidToken) {
		return inactive, nil
	}
	if err != nil {
		return nil, err
	}
	if !contains(token.Audiences, api.Name) {
		return inactive, nil
	}

	var scopes []string
	for _, s := range token.Scopes {
		if contains(api.Scopes, s) {
			scopes = append(scopes, s)
		}
	}

	out := map[string]any{
		"active":     true,
		"iss":        token.Issuer,
		"client_id":  token.ClientID,
		"token_type": oauth.TokenTypeBearer,
		"iat":        token.CreationTime.Unix(),
		"exp":        token.Expiration().Unix(),
		"aud":        token.Audiences,
		"scope":      strings.Join(scopes, " "),
	}
	if token.JTI != "" {
		out["jti"] = token.JTI
	}
	if token.SubjectID != "" {
		out["sub"] = token.SubjectID
	}
	if token.SessionID != "" {
		out["sid"] = token.SessionID
	}
	for k, val := range token.Claims {
		if _, exists := out[k]; !exists {
			out[k] = val
		}
	}
	return out, nil
}
