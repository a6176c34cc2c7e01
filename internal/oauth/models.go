package oauth

import (
	"time"

	"github.com/pkg/errors"
)

// Client profiles.
const (
	// ProfileFirstPartySPA marks a browser client served from the same host as
	// the server. Its redirect URIs may be relative.
	ProfileFirstPartySPA = "first_party_spa"
	ProfileNative        = "native"
	ProfileWeb           = "web"
)

// Refresh token policies.
const (
	RefreshTokenOneTimeOnly = "one_time"
	RefreshTokenReUse       = "reuse"

	RefreshTokenAbsolute = "absolute"
	RefreshTokenSliding  = "sliding"
)

// Client represents a registered OAuth/OIDC client.
type Client struct {
	ClientID                         string        `json:"client_id" yaml:"client_id"`
	ClientName                       string        `json:"client_name,omitempty" yaml:"client_name"`
	Enabled                          bool          `json:"enabled" yaml:"enabled"`
	Profile                          string        `json:"profile,omitempty" yaml:"profile"`
	AllowedGrantTypes                []string      `json:"grant_types" yaml:"allowed_grant_types"`
	AllowedScopes                    []string      `json:"allowed_scopes" yaml:"allowed_scopes"`
	RedirectURIs                     []string      `json:"redirect_uris" yaml:"redirect_uris"`
	PostLogoutRedirectURIs           []string      `json:"post_logout_redirect_uris,omitempty" yaml:"post_logout_redirect_uris"`
	Secrets                          []Secret      `json:"-" yaml:"secrets"`
	RequireClientSecret              bool          `json:"require_client_secret" yaml:"require_client_secret"`
	RequirePkce                      bool          `json:"require_pkce" yaml:"require_pkce"`
	AllowPlainTextPkce               bool          `json:"allow_plain_text_pkce" yaml:"allow_plain_text_pkce"`
	RequireConsent                   bool          `json:"require_consent" yaml:"require_consent"`
	AllowRememberConsent             bool          `json:"allow_remember_consent" yaml:"allow_remember_consent"`
	ConsentLifetime                  time.Duration `json:"consent_lifetime,omitempty" yaml:"consent_lifetime"`
	AllowOfflineAccess               bool          `json:"allow_offline_access" yaml:"allow_offline_access"`
	AlwaysIncludeUserClaimsInIdToken bool          `json:"always_include_user_claims_in_id_token" yaml:"always_include_user_claims_in_id_token"`
	IdentityProviderRestrictions     []string      `json:"identity_provider_restrictions,omitempty" yaml:"identity_provider_restrictions"`
	AccessTokenType                  string        `json:"access_token_type" yaml:"access_token_type"`
	AccessTokenLifetime              time.Duration `json:"access_token_lifetime" yaml:"access_token_lifetime"`
	IdentityTokenLifetime            time.Duration `json:"identity_token_lifetime" yaml:"identity_token_lifetime"`
	AuthorizationCodeLifetime        time.Duration `json:"authorization_code_lifetime" yaml:"authorization_code_lifetime"`
	AbsoluteRefreshTokenLifetime     time.Duration `json:"absolute_refresh_token_lifetime" yaml:"absolute_refresh_token_lifetime"`
	SlidingRefreshTokenLifetime      time.Duration `json:"sliding_refresh_token_lifetime" yaml:"sliding_refresh_token_lifetime"`
	RefreshTokenUsage                string        `json:"refresh_token_usage" yaml:"refresh_token_usage"`
	RefreshTokenExpiration           string        `json:"refresh_token_expiration" yaml:"refresh_token_expiration"`
	DeviceCodeLifetime               time.Duration `json:"device_code_lifetime" yaml:"device_code_lifetime"`
	CreatedAt                        time.Time     `json:"created_at" yaml:"-"`
	UpdatedAt                        time.Time     `json:"updated_at" yaml:"-"`
}

// ApplyDefaults fills zero lifetimes and policies.
func (c *Client) ApplyDefaults() {
	if c.AccessTokenType == "" {
		c.AccessTokenType = AccessTokenTypeJWT
	}
	if c.AccessTokenLifetime <= 0 {
		c.AccessTokenLifetime = time.Hour
	}
	if c.IdentityTokenLifetime <= 0 {
		c.IdentityTokenLifetime = 5 * time.Minute
	}
	if c.AuthorizationCodeLifetime <= 0 {
		c.AuthorizationCodeLifetime = 5 * time.Minute
	}
	if c.AbsoluteRefreshTokenLifetime <= 0 {
		c.AbsoluteRefreshTokenLifetime = 30 * 24 * time.Hour
	}
	if c.SlidingRefreshTokenLifetime <= 0 {
		c.SlidingRefreshTokenLifetime = 15 * 24 * time.Hour
	}
	if c.RefreshTokenUsage == "" {
		c.RefreshTokenUsage = RefreshTokenOneTimeOnly
	}
	if c.RefreshTokenExpiration == "" {
		c.RefreshTokenExpiration = RefreshTokenAbsolute
	}
	if c.DeviceCodeLifetime <= 0 {
		c.DeviceCodeLifetime = 5 * time.Minute
	}
}

// Validate checks the registration invariants.
func (c *Client) Validate() error {
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if len(c.AllowedGrantTypes) == 0 {
		return errors.Errorf("client %s: at least one grant type is required", c.ClientID)
	}
	for _, gt := range c.AllowedGrantTypes {
		if !IsKnownGrantType(gt) {
			return errors.Errorf("client %s: unknown grant type %q", c.ClientID, gt)
		}
	}
	if c.AllowsGrantType(GrantTypeAuthorizationCode) && len(c.RedirectURIs) == 0 {
		return errors.Errorf("client %s: authorization_code requires at least one redirect uri", c.ClientID)
	}
	switch c.AccessTokenType {
	case AccessTokenTypeJWT, AccessTokenTypeReference:
	default:
		return errors.Errorf("client %s: unknown access token type %q", c.ClientID, c.AccessTokenType)
	}
	return nil
}

// AllowsGrantType reports whether grantType is registered for the client.
func (c *Client) AllowsGrantType(grantType string) bool {
	return contains(c.AllowedGrantTypes, grantType)
}

// AllowsScope reports whether scope is in the client's allowed scopes.
func (c *Client) AllowsScope(scope string) bool {
	return contains(c.AllowedScopes, scope)
}

// IsPublic reports whether the client authenticates without a secret.
func (c *Client) IsPublic() bool {
	return !c.RequireClientSecret
}

// Secret is a client or API resource credential. Value holds a bcrypt hash.
type Secret struct {
	Value       string     `json:"-" yaml:"value"`
	Type        string     `json:"type" yaml:"type"`
	Description string     `json:"description,omitempty" yaml:"description"`
	Expiration  *time.Time `json:"expiration,omitempty" yaml:"expiration"`
}

// Expired reports whether the secret is past its expiration at now.
func (s Secret) Expired(now time.Time) bool {
	return s.Expiration != nil && !now.Before(*s.Expiration)
}

// Subject is the authenticated end user.
type Subject struct {
	ID               string         `json:"sub"`
	SessionID        string         `json:"sid,omitempty"`
	AuthTime         time.Time      `json:"auth_time"`
	IdentityProvider string         `json:"idp,omitempty"`
	AuthMethods      []string       `json:"amr,omitempty"`
	Claims           map[string]any `json:"claims,omitempty"`
}

// AuthorizationCode is the payload of a persisted authorization_code grant.
type AuthorizationCode struct {
	CreationTime                time.Time     `json:"creation_time"`
	Lifetime                    time.Duration `json:"lifetime"`
	ClientID                    string        `json:"client_id"`
	Subject                     Subject       `json:"subject"`
	IsOpenID                    bool          `json:"is_openid"`
	RequestedScopes             []string      `json:"requested_scopes"`
	RequestedResourceIndicators []string      `json:"requested_resource_indicators,omitempty"`
	RedirectURI                 string        `json:"redirect_uri"`
	Nonce                       string        `json:"nonce,omitempty"`
	StateHash                   string        `json:"state_hash,omitempty"`
	WasConsentShown             bool          `json:"was_consent_shown"`
	SessionID                   string        `json:"session_id,omitempty"`
	CodeChallenge               string        `json:"code_challenge,omitempty"`
	CodeChallengeMethod         string        `json:"code_challenge_method,omitempty"`
	Description                 string        `json:"description,omitempty"`
}

// RefreshToken is the payload of a persisted refresh_token grant.
type RefreshToken struct {
	CreationTime                 time.Time     `json:"creation_time"`
	Lifetime                     time.Duration `json:"lifetime"`
	ClientID                     string        `json:"client_id"`
	Subject                      Subject       `json:"subject"`
	SessionID                    string        `json:"session_id,omitempty"`
	AuthorizedScopes             []string      `json:"authorized_scopes"`
	AuthorizedResourceIndicators []string      `json:"authorized_resource_indicators,omitempty"`
	Description                  string        `json:"description,omitempty"`
	ConsumedTime                 *time.Time    `json:"consumed_time,omitempty"`
}

// Token is an issued access or identity token before serialization.
// Reference tokens persist it as their grant payload.
type Token struct {
	Type                     string         `json:"type"`
	Issuer                   string         `json:"iss"`
	Audiences                []string       `json:"aud,omitempty"`
	CreationTime             time.Time      `json:"creation_time"`
	Lifetime                 time.Duration  `json:"lifetime"`
	ClientID                 string         `json:"client_id"`
	SubjectID                string         `json:"sub,omitempty"`
	SessionID                string         `json:"sid,omitempty"`
	Scopes                   []string       `json:"scopes,omitempty"`
	JTI                      string         `json:"jti"`
	AccessTokenType          string         `json:"access_token_type,omitempty"`
	AllowedSigningAlgorithms []string       `json:"allowed_signing_algorithms,omitempty"`
	Claims                   map[string]any `json:"claims,omitempty"`
}

// Expiration returns the absolute expiry of the token.
func (t Token) Expiration() time.Time {
	return t.CreationTime.Add(t.Lifetime)
}

// Consent records scopes a user granted to a client.
type Consent struct {
	SubjectID    string     `json:"subject_id"`
	ClientID     string     `json:"client_id"`
	Scopes       []string   `json:"scopes"`
	CreationTime time.Time  `json:"creation_time"`
	Expiration   *time.Time `json:"expiration,omitempty"`
}

// Covers reports whether every scope in requested was granted.
func (c Consent) Covers(requested []string) bool {
	for _, s := range requested {
		if !contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// DeviceCode is a pending device authorization.
type DeviceCode struct {
	Code             string        `json:"-"`
	UserCode         string        `json:"user_code"`
	CreationTime     time.Time     `json:"creation_time"`
	Lifetime         time.Duration `json:"lifetime"`
	ClientID         string        `json:"client_id"`
	Description      string        `json:"description,omitempty"`
	IsOpenID         bool          `json:"is_openid"`
	RequestedScopes  []string      `json:"requested_scopes"`
	AuthorizedScopes []string      `json:"authorized_scopes,omitempty"`
	Subject          *Subject      `json:"subject,omitempty"`
	SessionID        string        `json:"session_id,omitempty"`
	IsDenied         bool          `json:"is_denied"`
}

// Expiration returns the absolute expiry of the device code.
func (d DeviceCode) Expiration() time.Time {
	return d.CreationTime.Add(d.Lifetime)
}

// Expired reports whether the device code has passed its lifetime at now.
func (d DeviceCode) Expired(now time.Time) bool {
	return !now.Before(d.Expiration())
}

// IsAuthorized reports whether a user approved the device code.
func (d DeviceCode) IsAuthorized() bool {
	return d.Subject != nil && !d.IsDenied
}

// DeviceFlowRecord is the storage row of a device authorization. DeviceCode
// holds the hashed device code; Data the protected DeviceCode payload.
type DeviceFlowRecord struct {
	DeviceCode   string
	UserCode     string
	ClientID     string
	SubjectID    string
	SessionID    string
	Description  string
	CreationTime time.Time
	Expiration   time.Time
	Data         string
}

// PersistedGrant is the storage row for every server-side grant.
type PersistedGrant struct {
	Key          string
	Type         string
	SubjectID    string
	SessionID    string
	ClientID     string
	Description  string
	CreationTime time.Time
	Expiration   *time.Time
	ConsumedTime *time.Time
	Data         string
}

// Expired reports whether the grant has passed its expiration at now.
func (g PersistedGrant) Expired(now time.Time) bool {
	return g.Expiration != nil && !now.Before(*g.Expiration)
}

// GrantFilter selects persisted grants. Empty fields do not constrain.
type GrantFilter struct {
	SubjectID string
	SessionID string
	ClientID  string
	ClientIDs []string
	Type      string
	Types     []string
}

// Validate rejects filters that would match every grant.
func (f GrantFilter) Validate() error {
	if f.SubjectID == "" && f.SessionID == "" && f.ClientID == "" && len(f.ClientIDs) == 0 {
		return errors.New("grant filter requires a subject, session or client")
	}
	return nil
}

// AllClientIDs merges ClientID and ClientIDs.
func (f GrantFilter) AllClientIDs() []string {
	ids := append([]string(nil), f.ClientIDs...)
	if f.ClientID != "" && !contains(ids, f.ClientID) {
		ids = append(ids, f.ClientID)
	}
	return ids
}

// AllTypes merges Type and Types.
func (f GrantFilter) AllTypes() []string {
	types := append([]string(nil), f.Types...)
	if f.Type != "" && !contains(types, f.Type) {
		types = append(types, f.Type)
	}
	return types
}

func contains(values []string, v string) bool {
	for _, item := range values {
		if item == v {
			return true
		}
	}
	return false
}
