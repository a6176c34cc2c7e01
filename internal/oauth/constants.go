package oauth

// Grant types accepted in client registrations and at the token endpoint.
const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeClientCredentials = "client_credentials"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeImplicit          = "implicit"
	GrantTypeHybrid            = "hybrid"
	GrantTypeDeviceCode        = "urn:ietf:params:oauth:grant-type:device_code"
	GrantTypeCiba              = "urn:openid:params:grant-type:ciba"
)

// Persisted grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantReferenceToken    = "reference_token"
	GrantUserConsent       = "user_consent"
)

// Token types.
const (
	AccessTokenTypeJWT       = "jwt"
	AccessTokenTypeReference = "reference"

	TokenTypeAccessToken   = "access_token"
	TokenTypeIdentityToken = "id_token"
	TokenTypeBearer        = "Bearer"
)

// Response types, modes and prompts.
const (
	ResponseTypeCode = "code"

	ResponseModeQuery    = "query"
	ResponseModeFragment = "fragment"
	ResponseModeFormPost = "form_post"

	PromptNone          = "none"
	PromptLogin         = "login"
	PromptConsent       = "consent"
	PromptSelectAccount = "select_account"
)

// PKCE methods.
const (
	CodeChallengeMethodPlain  = "plain"
	CodeChallengeMethodSHA256 = "S256"
)

// Well-known scopes.
const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeOfflineAccess = "offline_access"
)

// Secret types.
const (
	SecretTypeSharedSecret = "SharedSecret"
)

// Authorize and token request parameter names.
const (
	ParamClientID            = "client_id"
	ParamClientSecret        = "client_secret"
	ParamResponseType        = "response_type"
	ParamResponseMode        = "response_mode"
	ParamRedirectURI         = "redirect_uri"
	ParamScope               = "scope"
	ParamState               = "state"
	ParamNonce               = "nonce"
	ParamPrompt              = "prompt"
	ParamMaxAge              = "max_age"
	ParamLoginHint           = "login_hint"
	ParamUILocales           = "ui_locales"
	ParamAcrValues           = "acr_values"
	ParamIDTokenHint         = "id_token_hint"
	ParamCodeChallenge       = "code_challenge"
	ParamCodeChallengeMethod = "code_challenge_method"
	ParamCodeVerifier        = "code_verifier"
	ParamResource            = "resource"
	ParamRequest             = "request"
	ParamRequestURI          = "request_uri"
	ParamGrantType           = "grant_type"
	ParamCode                = "code"
	ParamRefreshToken        = "refresh_token"
	ParamDeviceCode          = "device_code"
	ParamSessionState        = "session_state"
	ParamIssuer              = "iss"
	ParamToken               = "token"
	ParamTokenTypeHint       = "token_type_hint"
	ParamPostLogoutRedirect  = "post_logout_redirect_uri"
)

// OAuth2/OIDC error codes.
const (
	ErrorInvalidRequest           = "invalid_request"
	ErrorInvalidClient            = "invalid_client"
	ErrorInvalidGrant             = "invalid_grant"
	ErrorUnauthorizedClient       = "unauthorized_client"
	ErrorUnsupportedGrantType     = "unsupported_grant_type"
	ErrorUnsupportedResponseType  = "unsupported_response_type"
	ErrorInvalidScope             = "invalid_scope"
	ErrorInvalidTarget            = "invalid_target"
	ErrorAccessDenied             = "access_denied"
	ErrorServerError              = "server_error"
	ErrorTemporarilyUnavailable   = "temporarily_unavailable"
	ErrorLoginRequired            = "login_required"
	ErrorConsentRequired          = "consent_required"
	ErrorInteractionRequired      = "interaction_required"
	ErrorAccountSelectionRequired = "account_selection_required"
	ErrorRequestNotSupported      = "request_not_supported"
	ErrorRequestURINotSupported   = "request_uri_not_supported"
	ErrorInvalidToken             = "invalid_token"
	ErrorInsufficientScope        = "insufficient_scope"
	ErrorAuthorizationPending     = "authorization_pending"
	ErrorSlowDown                 = "slow_down"
	ErrorExpiredToken             = "expired_token"
	ErrorUnsupportedTokenType     = "unsupported_token_type"
	ErrorInvalidClientMetadata    = "invalid_client_metadata"
	ErrorInvalidRedirectURI       = "invalid_redirect_uri"
)

var knownGrantTypes = map[string]struct{}{
	GrantTypeAuthorizationCode: {},
	GrantTypeClientCredentials: {},
	GrantTypeRefreshToken:      {},
	GrantTypeImplicit:          {},
	GrantTypeHybrid:            {},
	GrantTypeDeviceCode:        {},
	GrantTypeCiba:              {},
}

var responseTypeToGrantType = map[string]string{
	ResponseTypeCode: GrantTypeAuthorizationCode,
}

var safeErrors = map[string]struct{}{
	ErrorAccessDenied:             {},
	ErrorLoginRequired:            {},
	ErrorConsentRequired:          {},
	ErrorInteractionRequired:      {},
	ErrorAccountSelectionRequired: {},
	ErrorTemporarilyUnavailable:   {},
}

var responseModes = map[string]struct{}{
	ResponseModeQuery:    {},
	ResponseModeFragment: {},
	ResponseModeFormPost: {},
}

var prompts = map[string]struct{}{
	PromptNone:          {},
	PromptLogin:         {},
	PromptConsent:       {},
	PromptSelectAccount: {},
}

// standardScopeClaims maps the OIDC standard identity scopes to their claims.
var standardScopeClaims = map[string][]string{
	ScopeOpenID:  {"sub"},
	ScopeProfile: {"name", "family_name", "given_name", "middle_name", "nickname", "preferred_username", "profile", "picture", "website", "gender", "birthdate", "zoneinfo", "locale", "updated_at"},
	ScopeEmail:   {"email", "email_verified"},
	"address":    {"address"},
	"phone":      {"phone_number", "phone_number_verified"},
}

// IsKnownGrantType reports whether gt is a grant type the server understands.
func IsKnownGrantType(gt string) bool {
	_, ok := knownGrantTypes[gt]
	return ok
}

// GrantTypeForResponseType maps an authorize response_type to the grant type
// the client must be registered for.
func GrantTypeForResponseType(responseType string) (string, bool) {
	gt, ok := responseTypeToGrantType[responseType]
	return gt, ok
}

// SupportedResponseTypes lists the response types advertised in discovery.
func SupportedResponseTypes() []string {
	out := make([]string, 0, len(responseTypeToGrantType))
	for rt := range responseTypeToGrantType {
		out = append(out, rt)
	}
	return out
}

// IsSafeError reports whether an authorize error may be returned to the
// client's redirect URI instead of the error page.
func IsSafeError(code string) bool {
	_, ok := safeErrors[code]
	return ok
}

// IsResponseMode reports whether mode is a supported response_mode.
func IsResponseMode(mode string) bool {
	_, ok := responseModes[mode]
	return ok
}

// IsPrompt reports whether p is a supported prompt value.
func IsPrompt(p string) bool {
	_, ok := prompts[p]
	return ok
}

// StandardScopeClaims returns the claim types of a standard identity scope.
func StandardScopeClaims(scope string) []string {
	return append([]string(nil), standardScopeClaims[scope]...)
}
