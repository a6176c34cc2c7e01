package tokens

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/cache"
	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/grants"
	"github.com/providentiaww/identity-server/internal/metrics"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/validation"
)

// Response is the token endpoint success body.
type Response struct {
	IdentityToken string `json:"id_token,omitempty"`
	AccessToken   string `json:"access_token"`
	TokenType     string `json:"token_type"`
	ExpiresIn     int    `json:"expires_in"`
	RefreshToken  string `json:"refresh_token,omitempty"`
	Scope         string `json:"scope,omitempty"`
}

// Dependencies wires the stores and collaborators of a Service.
type Dependencies struct {
	Clients       *validation.ClientAuthenticator
	Resources     *validation.ResourceValidator
	Codes         *grants.AuthorizationCodeStore
	RefreshTokens *grants.RefreshTokenStore
	References    *grants.ReferenceTokenStore
	Devices       *grants.DeviceCodeService
	Minter        *Minter
	Profile       ProfileService
	Publisher     events.Publisher
}

// Service runs the token endpoint pipeline: client authentication, grant
// validation and token issuance.
type Service struct {
	cfg  oauth.Config
	deps Dependencies
	now  func() time.Time

	// last poll per device code, for slow_down
	polls *cache.TTL[time.Time]
}

// NewService builds the token service.
func NewService(cfg oauth.Config, deps Dependencies) (*Service, error) {
	switch {
	case deps.Clients == nil:
		return nil, errors.New("tokens: client authenticator is required")
	case deps.Resources == nil:
		return nil, errors.New("tokens: resource validator is required")
	case deps.Codes == nil || deps.RefreshTokens == nil:
		return nil, errors.New("tokens: grant stores are required")
	case deps.Minter == nil:
		return nil, errors.New("tokens: minter is required")
	}
	if deps.Profile == nil {
		deps.Profile = NewUserProfileService(nil)
	}
	return &Service{cfg: cfg, deps: deps, now: time.Now, polls: cache.New[time.Time]()}, nil
}

func (s *Service) log(method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package": "tokens",
		"method":  method,
	})
}

// Process handles a parsed token request. Protocol failures are returned as
// *oauth.Error; any other error is an infrastructure failure.
func (s *Service) Process(ctx context.Context, r *http.Request) (*Response, error) {
	form := r.PostForm
	grantType := form.Get(oauth.ParamGrantType)
	if grantType == "" {
		return nil, oauth.NewError(oauth.ErrorUnsupportedGrantType, "grant_type is required")
	}
	if len(grantType) > s.cfg.InputLengths.GrantType {
		return nil, oauth.NewError(oauth.ErrorUnsupportedGrantType, "grant_type too long")
	}
	for _, p := range []string{oauth.ParamGrantType, oauth.ParamCode, oauth.ParamRefreshToken, oauth.ParamDeviceCode, oauth.ParamRedirectURI, oauth.ParamCodeVerifier, oauth.ParamScope} {
		if len(form[p]) > 1 {
			return nil, oauth.InvalidRequest("duplicate parameter: " + p)
		}
	}

	client, err := s.deps.Clients.Authenticate(ctx, r)
	if err != nil {
		return nil, err
	}
	if !client.AllowsGrantType(grantType) {
		if !oauth.IsKnownGrantType(grantType) {
			return nil, oauth.NewError(oauth.ErrorUnsupportedGrantType, "")
		}
		return nil, oauth.NewError(oauth.ErrorUnauthorizedClient, "grant type not allowed for client")
	}

	var resp *Response
	switch grantType {
	case oauth.GrantTypeAuthorizationCode:
		resp, err = s.authorizationCode(ctx, client, form)
	case oauth.GrantTypeRefreshToken:
		resp, err = s.refreshToken(ctx, client, form)
	case oauth.GrantTypeClientCredentials:
		resp, err = s.clientCredentials(ctx, client, form)
	case oauth.GrantTypeDeviceCode:
		resp, err = s.deviceCode(ctx, client, form)
	default:
		return nil, oauth.NewError(oauth.ErrorUnsupportedGrantType, "")
	}
	if err != nil {
		return nil, err
	}
	metrics.TokenIssued(grantType, oauth.TokenTypeAccessToken)
	if resp.IdentityToken != "" {
		metrics.TokenIssued(grantType, oauth.TokenTypeIdentityToken)
	}
	if resp.RefreshToken != "" {
		metrics.TokenIssued(grantType, oauth.GrantRefreshToken)
	}
	events.Emit(ctx, s.deps.Publisher, events.Event{
		Type:     events.TokenIssued,
		ClientID: client.ClientID,
		Data:     map[string]any{"grant_type": grantType, "scope": resp.Scope},
	})
	return resp, nil
}

// invalidGrant logs the concrete reason and returns the generic error.
func (s *Service) invalidGrant(method, clientID, reason string) error {
	s.log(method).WithFields(logrus.Fields{
		"client_id": clientID,
		"reason":    reason,
	}).Info("invalid grant")
	return oauth.InvalidGrant("")
}

func (s *Service) authorizationCode(ctx context.Context, client *oauth.Client, form url.Values) (*Response, error) {
	const method = "authorizationCode"
	handle := form.Get(oauth.ParamCode)
	if handle == "" {
		return nil, oauth.InvalidRequest("code is required")
	}
	if len(handle) > s.cfg.InputLengths.AuthorizationCode {
		return nil, s.invalidGrant(method, client.ClientID, "code too long")
	}

	code, grant, err := s.deps.Codes.GetAuthorizationCode(ctx, handle)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, s.invalidGrant(method, client.ClientID, "unknown code")
	}
	if err != nil {
		return nil, errors.Wrap(err, "load authorization code")
	}
	if grant.ConsumedTime != nil {
		s.replayed(ctx, code)
		return nil, oauth.InvalidGrant("")
	}
	if code.ClientID != client.ClientID {
		return nil, s.invalidGrant(method, client.ClientID, "code issued to another client")
	}
	now := s.now()
	if grant.Expired(now) || !now.Before(code.CreationTime.Add(code.Lifetime)) {
		return nil, s.invalidGrant(method, client.ClientID, "code expired")
	}
	if code.RedirectURI != "" && form.Get(oauth.ParamRedirectURI) != code.RedirectURI {
		return nil, s.invalidGrant(method, client.ClientID, "redirect_uri mismatch")
	}

	verifier := form.Get(oauth.ParamCodeVerifier)
	switch {
	case code.CodeChallenge == "" && client.RequirePkce:
		return nil, s.invalidGrant(method, client.ClientID, "code issued without pkce")
	case code.CodeChallenge == "" && verifier != "":
		return nil, s.invalidGrant(method, client.ClientID, "unexpected code_verifier")
	case code.CodeChallenge != "" && verifier == "":
		return nil, s.invalidGrant(method, client.ClientID, "code_verifier is required")
	case code.CodeChallenge != "" && !validation.VerifyCodeVerifier(code.CodeChallenge, code.CodeChallengeMethod, verifier, s.cfg.InputLengths):
		return nil, s.invalidGrant(method, client.ClientID, "code_verifier mismatch")
	}

	result, err := s.deps.Resources.Validate(ctx, client, code.RequestedScopes, code.RequestedResourceIndicators)
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return nil, s.invalidGrant(method, client.ClientID, "granted scopes no longer valid")
	}
	scoped, perr := s.forResource(result, code.RequestedResourceIndicators, form.Get(oauth.ParamResource))
	if perr != nil {
		return nil, perr
	}

	subject := code.Subject
	active, err := s.deps.Profile.IsActive(ctx, &subject)
	if err != nil {
		return nil, errors.Wrap(err, "profile is active")
	}
	if !active {
		return nil, s.invalidGrant(method, client.ClientID, "subject is not active")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err = s.deps.Codes.ConsumeAuthorizationCode(ctx, handle, now)
	switch {
	case errors.Is(err, oauth.ErrConflict):
		s.replayed(ctx, code)
		return nil, oauth.InvalidGrant("")
	case errors.Is(err, oauth.ErrNotFound):
		return nil, s.invalidGrant(method, client.ClientID, "code removed")
	case err != nil:
		return nil, errors.Wrap(err, "consume authorization code")
	}

	events.Emit(ctx, s.deps.Publisher, events.Event{
		Type:      events.CodeRedeemed,
		ClientID:  client.ClientID,
		SubjectID: subject.ID,
		SessionID: code.SessionID,
	})

	return s.issue(ctx, issueRequest{
		client:     client,
		subject:    &subject,
		all:        result,
		scoped:     scoped,
		indicators: code.RequestedResourceIndicators,
		openID:     code.IsOpenID,
		nonce:      code.Nonce,
		stateHash:  code.StateHash,
	})
}

// replayed handles redemption of an already consumed code: the tokens issued
// for that subject, client and session are revoked.
func (s *Service) replayed(ctx context.Context, code *oauth.AuthorizationCode) {
	entry := s.log("replayed").WithFields(logrus.Fields{
		"client_id":  code.ClientID,
		"subject_id": code.Subject.ID,
		"session_id": code.SessionID,
	})
	entry.Warn("authorization code replayed, revoking issued tokens")
	metrics.CodeReplay()
	events.Emit(ctx, s.deps.Publisher, events.Event{
		Type:      events.CodeReplayed,
		ClientID:  code.ClientID,
		SubjectID: code.Subject.ID,
		SessionID: code.SessionID,
	})

	if err := s.deps.RefreshTokens.RemoveRefreshTokens(ctx, code.Subject.ID, code.ClientID, code.SessionID); err != nil {
		entry.WithError(err).Error("failed to revoke refresh tokens")
	}
	if s.deps.References != nil {
		if err := s.deps.References.RemoveReferenceTokens(ctx, code.Subject.ID, code.ClientID, code.SessionID); err != nil {
			entry.WithError(err).Error("failed to revoke reference tokens")
		}
	}
}

// forResource narrows result to the resource requested at the token
// endpoint. The resource must be one of the indicators of the original
// request, or any resolved API when none were sent.
func (s *Service) forResource(result *oauth.ResourceValidationResult, authorized []string, resource string) (*oauth.ResourceValidationResult, *oauth.Error) {
	if resource == "" {
		return result.FilterByResourceIndicator(""), nil
	}
	if len(resource) > s.cfg.InputLengths.ResourceIndicator || !validation.IsAbsoluteURI(resource) {
		return nil, oauth.NewError(oauth.ErrorInvalidTarget, "invalid resource indicator")
	}
	if len(authorized) > 0 && !contains(authorized, resource) {
		return nil, oauth.NewError(oauth.ErrorInvalidTarget, "resource was not requested")
	}
	scoped := result.FilterByResourceIndicator(resource)
	if len(scoped.Resources.APIResources) == 0 {
		return nil, oauth.NewError(oauth.ErrorInvalidTarget, "resource not reachable with granted scopes")
	}
	return scoped, nil
}

func (s *Service) refreshToken(ctx context.Context, client *oauth.Client, form url.Values) (*Response, error) {
	const method = "refreshToken"
	handle := form.Get(oauth.ParamRefreshToken)
	if handle == "" {
		return nil, oauth.InvalidRequest("refresh_token is required")
	}
	if len(handle) > s.cfg.InputLengths.RefreshToken {
		return nil, s.invalidGrant(method, client.ClientID, "refresh token too long")
	}

	token, grant, err := s.deps.RefreshTokens.GetRefreshToken(ctx, handle)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, s.invalidGrant(method, client.ClientID, "unknown refresh token")
	}
	if err != nil {
		return nil, errors.Wrap(err, "load refresh token")
	}
	if token.ClientID != client.ClientID {
		return nil, s.invalidGrant(method, client.ClientID, "refresh token issued to another client")
	}
	now := s.now()
	if grant.Expired(now) {
		return nil, s.invalidGrant(method, client.ClientID, "refresh token expired")
	}
	if grant.ConsumedTime != nil || token.ConsumedTime != nil {
		return nil, s.invalidGrant(method, client.ClientID, "refresh token already used")
	}
	if !client.AllowOfflineAccess {
		return nil, s.invalidGrant(method, client.ClientID, "client no longer allows offline access")
	}

	subject := token.Subject
	active, err := s.deps.Profile.IsActive(ctx, &subject)
	if err != nil {
		return nil, errors.Wrap(err, "profile is active")
	}
	if !active {
		return nil, s.invalidGrant(method, client.ClientID, "subject is not active")
	}

	scopes := token.AuthorizedScopes
	if raw := form.Get(oauth.ParamScope); raw != "" {
		if len(raw) > s.cfg.InputLengths.Scope {
			return nil, oauth.InvalidRequest("scope too long")
		}
		requested := validation.ParseScopes(raw)
		for _, sc := range requested {
			if !contains(token.AuthorizedScopes, sc) {
				return nil, oauth.NewError(oauth.ErrorInvalidScope, "scope exceeds the original grant")
			}
		}
		scopes = requested
	}
	result, err := s.deps.Resources.Validate(ctx, client, scopes, nil)
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return nil, s.invalidGrant(method, client.ClientID, "granted scopes no longer valid")
	}
	scoped, perr := s.forResource(result, token.AuthorizedResourceIndicators, form.Get(oauth.ParamResource))
	if perr != nil {
		return nil, perr
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	// The old token stays usable until the new tokens exist.
	resp, err := s.issue(ctx, issueRequest{
		client:    client,
		subject:   &subject,
		all:       result,
		scoped:    scoped,
		openID:    contains(result.ParsedScopes, oauth.ScopeOpenID),
		noRefresh: true,
	})
	if err != nil {
		return nil, err
	}
	newHandle, err := s.rotate(ctx, client, handle, *token, now)
	if err != nil {
		s.discardAccessToken(ctx, client, resp.AccessToken)
		return nil, err
	}
	resp.RefreshToken = newHandle
	return resp, nil
}

// discardAccessToken removes a reference token minted for a response that is
// not sent.
func (s *Service) discardAccessToken(ctx context.Context, client *oauth.Client, access string) {
	if client.AccessTokenType != oauth.AccessTokenTypeReference || s.deps.References == nil {
		return
	}
	if err := s.deps.References.RemoveReferenceToken(ctx, access); err != nil && !errors.Is(err, oauth.ErrNotFound) {
		s.log("discardAccessToken").WithError(err).Error("failed to remove unsent reference token")
	}
}

// rotate applies the client's refresh token usage and expiration policies
// and returns the handle to hand back. One-time tokens are replaced by
// storing the successor first and then consuming the old token; when the
// consume loses, the successor is removed again.
func (s *Service) rotate(ctx context.Context, client *oauth.Client, handle string, token oauth.RefreshToken, now time.Time) (string, error) {
	if client.RefreshTokenExpiration == oauth.RefreshTokenSliding {
		token.Lifetime = slidingLifetime(client, token.CreationTime, now)
	}

	if client.RefreshTokenUsage == oauth.RefreshTokenReUse {
		if client.RefreshTokenExpiration == oauth.RefreshTokenSliding {
			if err := s.deps.RefreshTokens.UpdateRefreshToken(ctx, handle, token); err != nil {
				return "", errors.Wrap(err, "extend refresh token")
			}
		}
		return handle, nil
	}

	token.ConsumedTime = nil
	next, err := s.deps.RefreshTokens.StoreRefreshToken(ctx, token)
	if err != nil {
		return "", errors.Wrap(err, "store refresh token")
	}

	err = s.deps.RefreshTokens.ConsumeRefreshToken(ctx, handle, now)
	if err == nil {
		return next, nil
	}
	if rerr := s.deps.RefreshTokens.RemoveRefreshToken(ctx, next); rerr != nil {
		s.log("rotate").WithError(rerr).Error("failed to remove successor refresh token")
	}
	if errors.Is(err, oauth.ErrConflict) || errors.Is(err, oauth.ErrNotFound) {
		return "", s.invalidGrant("rotate", client.ClientID, "refresh token already used")
	}
	return "", errors.Wrap(err, "consume refresh token")
}

// slidingLifetime extends the token to now plus the sliding lifetime, capped
// at the absolute lifetime counted from the original creation.
func slidingLifetime(client *oauth.Client, created, now time.Time) time.Duration {
	expiry := now.Add(client.SlidingRefreshTokenLifetime)
	if absolute := created.Add(client.AbsoluteRefreshTokenLifetime); client.AbsoluteRefreshTokenLifetime > 0 && expiry.After(absolute) {
		expiry = absolute
	}
	return expiry.Sub(created)
}

func (s *Service) clientCredentials(ctx context.Context, client *oauth.Client, form url.Values) (*Response, error) {
	raw := form.Get(oauth.ParamScope)
	if len(raw) > s.cfg.InputLengths.Scope {
		return nil, oauth.InvalidRequest("scope too long")
	}
	scopes := validation.ParseScopes(raw)
	if len(scopes) == 0 {
		scopes = client.AllowedScopes
	}

	result, err := s.deps.Resources.Validate(ctx, client, scopes, nil)
	if err != nil {
		return nil, err
	}
	if perr := validation.Check(result); perr != nil {
		return nil, perr
	}
	if len(result.Resources.IdentityResources) > 0 || result.Resources.OfflineAccess {
		return nil, oauth.NewError(oauth.ErrorInvalidScope, "client_credentials only grants API scopes")
	}
	if len(result.Resources.APIScopes) == 0 {
		return nil, oauth.NewError(oauth.ErrorInvalidScope, "no API scopes requested")
	}
	scoped, perr := s.forResource(result, nil, form.Get(oauth.ParamResource))
	if perr != nil {
		return nil, perr
	}

	return s.issue(ctx, issueRequest{client: client, all: result, scoped: scoped, noRefresh: true})
}

func (s *Service) deviceCode(ctx context.Context, client *oauth.Client, form url.Values) (*Response, error) {
	const method = "deviceCode"
	if s.deps.Devices == nil {
		return nil, oauth.NewError(oauth.ErrorUnsupportedGrantType, "")
	}
	handle := form.Get(oauth.ParamDeviceCode)
	if handle == "" {
		return nil, oauth.InvalidRequest("device_code is required")
	}
	if len(handle) > s.cfg.InputLengths.DeviceCode {
		return nil, s.invalidGrant(method, client.ClientID, "device code too long")
	}

	code, err := s.deps.Devices.FindByDeviceCode(ctx, handle)
	if errors.Is(err, oauth.ErrNotFound) {
		return nil, s.invalidGrant(method, client.ClientID, "unknown device code")
	}
	if err != nil {
		return nil, errors.Wrap(err, "load device code")
	}
	if code.ClientID != client.ClientID {
		return nil, s.invalidGrant(method, client.ClientID, "device code issued to another client")
	}

	now := s.now()
	if code.Expired(now) {
		s.removeDeviceCode(ctx, handle)
		return nil, oauth.NewError(oauth.ErrorExpiredToken, "")
	}
	if code.IsDenied {
		s.removeDeviceCode(ctx, handle)
		return nil, oauth.NewError(oauth.ErrorAccessDenied, "")
	}
	if !code.IsAuthorized() {
		pollKey := oauth.HashToken(handle)
		if last, ok := s.polls.Get(pollKey); ok && now.Sub(last) < s.cfg.DeviceCodeInterval {
			s.polls.Set(pollKey, now, code.Expiration().Sub(now))
			return nil, oauth.NewError(oauth.ErrorSlowDown, "")
		}
		s.polls.Set(pollKey, now, code.Expiration().Sub(now))
		return nil, oauth.NewError(oauth.ErrorAuthorizationPending, "")
	}

	scopes := code.AuthorizedScopes
	if len(scopes) == 0 {
		scopes = code.RequestedScopes
	}
	result, err := s.deps.Resources.Validate(ctx, client, scopes, nil)
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return nil, s.invalidGrant(method, client.ClientID, "granted scopes no longer valid")
	}
	subject := *code.Subject
	active, err := s.deps.Profile.IsActive(ctx, &subject)
	if err != nil {
		return nil, errors.Wrap(err, "profile is active")
	}
	if !active {
		return nil, s.invalidGrant(method, client.ClientID, "subject is not active")
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	err = s.deps.Devices.Remove(ctx, handle)
	switch {
	case errors.Is(err, oauth.ErrNotFound):
		return nil, s.invalidGrant(method, client.ClientID, "device code already redeemed")
	case err != nil:
		return nil, errors.Wrap(err, "remove device code")
	}
	s.polls.Delete(oauth.HashToken(handle))

	return s.issue(ctx, issueRequest{
		client:  client,
		subject: &subject,
		all:     result,
		scoped:  result.FilterByResourceIndicator(""),
		openID:  code.IsOpenID,
	})
}

func (s *Service) removeDeviceCode(ctx context.Context, handle string) {
	if err := s.deps.Devices.Remove(ctx, handle); err != nil && !errors.Is(err, oauth.ErrNotFound) {
		s.log("removeDeviceCode").WithError(err).Error("failed to remove device code")
	}
	s.polls.Delete(oauth.HashToken(handle))
}

type issueRequest struct {
	client     *oauth.Client
	subject    *oauth.Subject
	all        *oauth.ResourceValidationResult
	scoped     *oauth.ResourceValidationResult
	indicators []string
	openID     bool
	nonce      string
	stateHash  string
	noRefresh  bool
}

// issue mints the access token, the identity token when openid was granted
// and a refresh token when offline_access was granted.
func (s *Service) issue(ctx context.Context, req issueRequest) (*Response, error) {
	var apiClaims map[string]any
	if req.subject != nil {
		var err error
		apiClaims, err = s.deps.Profile.GetProfileClaims(ctx, req.subject, apiClaimTypes(req.scoped.Resources))
		if err != nil {
			return nil, errors.Wrap(err, "access token claims")
		}
	}

	access, token, err := s.deps.Minter.CreateAccessToken(ctx, AccessTokenRequest{
		Client:    req.client,
		Subject:   req.subject,
		Scopes:    req.scoped.ParsedScopes,
		Resources: req.scoped,
		Claims:    apiClaims,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create access token")
	}
	resp := &Response{
		AccessToken: access,
		TokenType:   oauth.TokenTypeBearer,
		ExpiresIn:   int(token.Lifetime.Seconds()),
		Scope:       strings.Join(req.scoped.ParsedScopes, " "),
	}

	if req.openID && req.subject != nil {
		var idClaims map[string]any
		if req.client.AlwaysIncludeUserClaimsInIdToken {
			idClaims, err = s.deps.Profile.GetProfileClaims(ctx, req.subject, identityClaimTypes(req.all.Resources))
			if err != nil {
				return nil, errors.Wrap(err, "identity token claims")
			}
		}
		resp.IdentityToken, err = s.deps.Minter.CreateIdentityToken(ctx, IdentityTokenRequest{
			Client:      req.client,
			Subject:     req.subject,
			Nonce:       req.nonce,
			AccessToken: access,
			StateHash:   req.stateHash,
			Claims:      idClaims,
		})
		if err != nil {
			return nil, errors.Wrap(err, "create identity token")
		}
	}

	if !req.noRefresh && req.subject != nil && req.all.Resources.OfflineAccess {
		refresh := oauth.RefreshToken{
			CreationTime:                 s.now().UTC(),
			Lifetime:                     refreshLifetime(req.client),
			ClientID:                     req.client.ClientID,
			Subject:                      *req.subject,
			SessionID:                    req.subject.SessionID,
			AuthorizedScopes:             req.all.ParsedScopes,
			AuthorizedResourceIndicators: req.indicators,
		}
		resp.RefreshToken, err = s.deps.RefreshTokens.StoreRefreshToken(ctx, refresh)
		if err != nil {
			return nil, errors.Wrap(err, "store refresh token")
		}
	}
	return resp, nil
}

func refreshLifetime(client *oauth.Client) time.Duration {
	if client.RefreshTokenExpiration == oauth.RefreshTokenSliding {
		if client.AbsoluteRefreshTokenLifetime > 0 && client.AbsoluteRefreshTokenLifetime < client.SlidingRefreshTokenLifetime {
			return client.AbsoluteRefreshTokenLifetime
		}
		return client.SlidingRefreshTokenLifetime
	}
	return client.AbsoluteRefreshTokenLifetime
}
