package tokens

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/grants"
	"github.com/providentiaww/identity-server/internal/keys"
	"github.com/providentiaww/identity-server/internal/oauth"
)

// ErrInvalidToken reports a token that failed validation.
var ErrInvalidToken = errors.New("invalid token")

// Validator checks access tokens and identity token hints issued by this
// server.
type Validator struct {
	issuer     string
	keys       keys.Source
	references *grants.ReferenceTokenStore
	now        func() time.Time
}

// NewValidator builds a validator. references may be nil.
func NewValidator(issuer string, source keys.Source, references *grants.ReferenceTokenStore) *Validator {
	return &Validator{issuer: issuer, keys: source, references: references, now: time.Now}
}

// ValidateAccessToken resolves a JWT or reference access token. Invalid,
// expired and unknown tokens return ErrInvalidToken.
func (v *Validator) ValidateAccessToken(ctx context.Context, raw string) (*oauth.Token, error) {
	if raw == "" {
		return nil, ErrInvalidToken
	}
	if strings.Count(raw, ".") != 2 {
		return v.reference(ctx, raw)
	}

	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, keys.Keyfunc(ctx, v.keys),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil || !parsed.Valid {
		return nil, errors.Wrap(ErrInvalidToken, errMessage(err))
	}
	if typ, _ := parsed.Header["typ"].(string); !strings.EqualFold(typ, AccessTokenJWTType) {
		return nil, errors.Wrap(ErrInvalidToken, "not an access token")
	}
	return tokenFromClaims(claims), nil
}

func (v *Validator) reference(ctx context.Context, handle string) (*oauth.Token, error) {
	if v.references == nil {
		return nil, ErrInvalidToken
	}
	token, err := v.references.GetReferenceToken(ctx, handle)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, errors.Wrap(err, "load reference token")
	}
	return token, nil
}

// ValidateIdentityTokenHint verifies the signature and issuer of an
// id_token_hint. Expiry is not enforced.
func (v *Validator) ValidateIdentityTokenHint(ctx context.Context, raw string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, keys.Keyfunc(ctx, v.keys), jwt.WithoutClaimsValidation())
	if err != nil || !parsed.Valid {
		return nil, errors.Wrap(ErrInvalidToken, errMessage(err))
	}
	if iss, _ := claims.GetIssuer(); iss != v.issuer {
		return nil, errors.Wrap(ErrInvalidToken, "issuer mismatch")
	}
	return claims, nil
}

func errMessage(err error) string {
	if err == nil {
		return "invalid"
	}
	return err.Error()
}

func tokenFromClaims(claims jwt.MapClaims) *oauth.Token {
	token := &oauth.Token{
		Type:            oauth.TokenTypeAccessToken,
		AccessTokenType: oauth.AccessTokenTypeJWT,
		Claims:          map[string]any{},
	}
	token.Issuer, _ = claims.GetIssuer()
	token.SubjectID, _ = claims.GetSubject()
	token.Audiences, _ = claims.GetAudience()
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		token.CreationTime = iat.Time.UTC()
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		token.Lifetime = exp.Time.Sub(token.CreationTime)
	}
	for k, val := range claims {
		switch k {
		case "client_id":
			token.ClientID, _ = val.(string)
		case "jti":
			token.JTI, _ = val.(string)
		case "sid":
			token.SessionID, _ = val.(string)
		case "scope":
			if s, ok := val.(string); ok {
				token.Scopes = strings.Fields(s)
			}
		case "iss", "sub", "aud", "iat", "exp", "nbf":
		default:
			token.Claims[k] = val
		}
	}
	return token
}
