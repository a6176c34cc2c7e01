// Package tokens validates token requests, exchanges grants for tokens and
// mints JWT or reference access tokens and identity tokens.
package tokens

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/grants"
	"github.com/providentiaww/identity-server/internal/keys"
	"github.com/providentiaww/identity-server/internal/oauth"
)

// JWT header types.
const (
	AccessTokenJWTType   = "at+jwt"
	IdentityTokenJWTType = "JWT"
)

// Claims set on every token regardless of profile data.
var protocolClaims = map[string]struct{}{
	"iss": {}, "sub": {}, "aud": {}, "exp": {}, "iat": {}, "nbf": {}, "jti": {},
	"nonce": {}, "at_hash": {}, "s_hash": {}, "c_hash": {}, "sid": {}, "auth_time": {},
	"idp": {}, "amr": {}, "client_id": {}, "scope": {},
}

// AccessTokenRequest describes an access token to mint.
type AccessTokenRequest struct {
	Client    *oauth.Client
	Subject   *oauth.Subject
	Scopes    []string
	Resources *oauth.ResourceValidationResult
	Claims    map[string]any
}

// IdentityTokenRequest describes an identity token to mint.
type IdentityTokenRequest struct {
	Client      *oauth.Client
	Subject     *oauth.Subject
	Nonce       string
	AccessToken string
	StateHash   string
	Claims      map[string]any
}

// Minter signs JWTs with the current signing credentials and stores
// reference tokens.
type Minter struct {
	issuer     string
	keys       keys.Source
	references *grants.ReferenceTokenStore
	now        func() time.Time
}

// NewMinter builds a minter. references may be nil when no client uses
// reference tokens.
func NewMinter(issuer string, source keys.Source, references *grants.ReferenceTokenStore) *Minter {
	return &Minter{issuer: issuer, keys: source, references: references, now: time.Now}
}

// CreateAccessToken mints an access token. It returns the string handed to
// the client and the token model.
func (m *Minter) CreateAccessToken(ctx context.Context, req AccessTokenRequest) (string, *oauth.Token, error) {
	now := m.now().UTC().Truncate(time.Second)
	token := &oauth.Token{
		Type:            oauth.TokenTypeAccessToken,
		Issuer:          m.issuer,
		CreationTime:    now,
		Lifetime:        req.Client.AccessTokenLifetime,
		ClientID:        req.Client.ClientID,
		Scopes:          append([]string(nil), req.Scopes...),
		JTI:             uuid.NewString(),
		AccessTokenType: req.Client.AccessTokenType,
		Claims:          map[string]any{},
	}
	if req.Resources != nil {
		token.Audiences = req.Resources.Audiences()
		token.AllowedSigningAlgorithms = allowedAlgorithms(req.Resources.Resources.APIResources)
	}
	if req.Subject != nil {
		token.SubjectID = req.Subject.ID
		token.SessionID = req.Subject.SessionID
		token.Claims["auth_time"] = req.Subject.AuthTime.Unix()
		if req.Subject.IdentityProvider != "" {
			token.Claims["idp"] = req.Subject.IdentityProvider
		}
		if len(req.Subject.AuthMethods) > 0 {
			token.Claims["amr"] = req.Subject.AuthMethods
		}
	}
	for k, v := range req.Claims {
		if _, reserved := protocolClaims[k]; !reserved {
			token.Claims[k] = v
		}
	}

	if token.AccessTokenType == oauth.AccessTokenTypeReference {
		if m.references == nil {
			return "", nil, errors.New("reference tokens are not configured")
		}
		handle, err := m.references.StoreReferenceToken(ctx, *token)
		if err != nil {
			return "", nil, errors.Wrap(err, "store reference token")
		}
		return handle, token, nil
	}

	creds, err := m.credentialsFor(ctx, token.AllowedSigningAlgorithms)
	if err != nil {
		return "", nil, err
	}
	claims := m.baseClaims(token.SubjectID, token.Audiences, now, token.Lifetime)
	claims["jti"] = token.JTI
	claims["client_id"] = token.ClientID
	if len(token.Scopes) > 0 {
		claims["scope"] = strings.Join(token.Scopes, " ")
	}
	if token.SessionID != "" {
		claims["sid"] = token.SessionID
	}
	for k, v := range token.Claims {
		claims[k] = v
	}
	signed, err := sign(creds, claims, AccessTokenJWTType)
	if err != nil {
		return "", nil, err
	}
	return signed, token, nil
}

// CreateIdentityToken mints an OpenID Connect identity token. at_hash is
// computed over AccessToken with the hash matching the signing algorithm.
func (m *Minter) CreateIdentityToken(ctx context.Context, req IdentityTokenRequest) (string, error) {
	if req.Subject == nil {
		return "", errors.New("identity token requires a subject")
	}
	creds, err := m.keys.GetSigningCredentials(ctx)
	if err != nil {
		return "", errors.Wrap(err, "signing credentials")
	}

	now := m.now().UTC().Truncate(time.Second)
	claims := m.baseClaims(req.Subject.ID, []string{req.Client.ClientID}, now, req.Client.IdentityTokenLifetime)
	claims["auth_time"] = req.Subject.AuthTime.Unix()
	if req.Subject.SessionID != "" {
		claims["sid"] = req.Subject.SessionID
	}
	if req.Subject.IdentityProvider != "" {
		claims["idp"] = req.Subject.IdentityProvider
	}
	if len(req.Subject.AuthMethods) > 0 {
		claims["amr"] = req.Subject.AuthMethods
	}
	if req.Nonce != "" {
		claims["nonce"] = req.Nonce
	}
	if req.AccessToken != "" {
		atHash, err := oauth.HashClaim(req.AccessToken, creds.Algorithm)
		if err != nil {
			return "", err
		}
		claims["at_hash"] = atHash
	}
	if req.StateHash != "" {
		claims["s_hash"] = req.StateHash
	}
	for k, v := range req.Claims {
		if _, reserved := protocolClaims[k]; !reserved {
			claims[k] = v
		}
	}
	return sign(creds, claims, IdentityTokenJWTType)
}

func (m *Minter) baseClaims(subject string, audiences []string, now time.Time, lifetime time.Duration) jwt.MapClaims {
	claims := jwt.MapClaims{
		"iss": m.issuer,
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"exp": now.Add(lifetime).Unix(),
	}
	if subject != "" {
		claims["sub"] = subject
	}
	switch len(audiences) {
	case 0:
	case 1:
		claims["aud"] = audiences[0]
	default:
		claims["aud"] = audiences
	}
	return claims
}

// credentialsFor picks the first signing credential whose algorithm every
// API resource accepts. No restriction means the default credential.
func (m *Minter) credentialsFor(ctx context.Context, allowed []string) (*keys.SigningCredentials, error) {
	if len(allowed) == 0 {
		creds, err := m.keys.GetSigningCredentials(ctx)
		return creds, errors.Wrap(err, "signing credentials")
	}
	all, err := m.keys.GetAllSigningCredentials(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "signing credentials")
	}
	for i := range all {
		if contains(allowed, all[i].Algorithm) {
			return &all[i], nil
		}
	}
	return nil, errors.Errorf("no signing credential for algorithms %v", allowed)
}

func sign(creds *keys.SigningCredentials, claims jwt.MapClaims, typ string) (string, error) {
	method := creds.Method()
	if method == nil {
		return "", errors.Wrapf(keys.ErrUnsupportedAlgorithm, "%s", creds.Algorithm)
	}
	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = creds.KeyID
	token.Header["typ"] = typ
	signed, err := token.SignedString(creds.Key)
	if err != nil {
		return "", errors.Wrap(err, "sign token")
	}
	return signed, nil
}

// allowedAlgorithms intersects the signing algorithm restrictions of the
// API resources. Resources without restrictions do not constrain.
func allowedAlgorithms(apis []oauth.APIResource) []string {
	var allowed []string
	restricted := false
	for _, api := range apis {
		if len(api.AllowedSigningAlgorithms) == 0 {
			continue
		}
		if !restricted {
			allowed = append(allowed, api.AllowedSigningAlgorithms...)
			restricted = true
			continue
		}
		var next []string
		for _, alg := range allowed {
			if contains(api.AllowedSigningAlgorithms, alg) {
				next = append(next, alg)
			}
		}
		allowed = next
	}
	if restricted && len(allowed) == 0 {
		// no credential matches "none"
		return []string{"none"}
	}
	return allowed
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
