package validation

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/providentiaww/identity-server/internal/events"
	"github.com/providentiaww/identity-server/internal/grants"
	"github.com/providentiaww/identity-server/internal/keys"
	"github.com/providentiaww/identity-server/internal/oauth"
)

// ResultKind is the outcome of processing an authorize request.
type ResultKind int

const (
	ResultError ResultKind = iota
	ResultLogin
	ResultConsent
	ResultCustomRedirect
	ResultResponse
)

func (k ResultKind) String() string {
	switch k {
	case ResultLogin:
		return "login"
	case ResultConsent:
		return "consent"
	case ResultCustomRedirect:
		return "custom_redirect"
	case ResultResponse:
		return "response"
	default:
		return "error"
	}
}

// Parameters that may appear at most once.
var singleValueParams = []string{
	oauth.ParamClientID,
	oauth.ParamResponseType,
	oauth.ParamRedirectURI,
	oauth.ParamScope,
	oauth.ParamState,
	oauth.ParamNonce,
	oauth.ParamCodeChallenge,
	oauth.ParamCodeChallengeMethod,
	oauth.ParamResponseMode,
	oauth.ParamPrompt,
	oauth.ParamMaxAge,
	oauth.ParamIDTokenHint,
	oauth.ParamLoginHint,
}

// AuthorizeRequest is the input of AuthorizeValidator.Process.
type AuthorizeRequest struct {
	Parameters url.Values
	// Subject is the signed-in user, nil when anonymous.
	Subject *oauth.Subject
	// BaseURL is scheme, host and path base of the current request.
	BaseURL string
	// Consent is the answer of the consent screen when returning from it.
	Consent *oauth.ConsentResponse
}

// ValidatedAuthorizeRequest is an authorize request that passed protocol
// validation.
type ValidatedAuthorizeRequest struct {
	Raw                 url.Values
	Client              *oauth.Client
	ClientID            string
	ResponseType        string
	GrantType           string
	ResponseMode        string
	RedirectURI         string
	State               string
	Nonce               string
	RequestedScopes     []string
	ResourceIndicators  []string
	ValidatedResources  *oauth.ResourceValidationResult
	IsOpenID            bool
	CodeChallenge       string
	CodeChallengeMethod string
	PromptModes         []string
	MaxAge              *int
	LoginHint           string
	UILocales           string
	AcrValues           []string
	Subject             *oauth.Subject
	WasConsentShown     bool
}

// HasPrompt reports whether prompt was requested.
func (r *ValidatedAuthorizeRequest) HasPrompt(prompt string) bool {
	return contains(r.PromptModes, prompt)
}

// ParametersWithoutPrompt returns a copy of the raw parameters minus prompt,
// so returning from login or consent does not trigger the same interaction.
func ParametersWithoutPrompt(raw url.Values) url.Values {
	out := make(url.Values, len(raw))
	for k, v := range raw {
		if k == oauth.ParamPrompt {
			continue
		}
		out[k] = append([]string(nil), v...)
	}
	return out
}

// AuthorizeResponse is a successful code flow response.
type AuthorizeResponse struct {
	RedirectURI  string
	ResponseMode string
	Code         string
	State        string
	SessionState string
	Scope        string
	Issuer       string
}

// Parameters returns the response parameters sent to the client.
func (r *AuthorizeResponse) Parameters() url.Values {
	v := url.Values{}
	v.Set(oauth.ParamCode, r.Code)
	if r.State != "" {
		v.Set(oauth.ParamState, r.State)
	}
	if r.SessionState != "" {
		v.Set(oauth.ParamSessionState, r.SessionState)
	}
	if r.Scope != "" {
		v.Set(oauth.ParamScope, r.Scope)
	}
	if r.Issuer != "" {
		v.Set(oauth.ParamIssuer, r.Issuer)
	}
	return v
}

// AuthorizeResult is the directive produced for an authorize request.
type AuthorizeResult struct {
	Kind    ResultKind
	Request *ValidatedAuthorizeRequest
	Error   *oauth.Error
	// RedirectURI, ResponseMode and State are set on errors raised after the
	// redirect URI was validated.
	RedirectURI       string
	ResponseMode      string
	State             string
	CustomRedirectURL string
	Response          *AuthorizeResponse
}

// RedirectsError reports whether the error may be sent to the client.
// Other errors render the error page.
func (r *AuthorizeResult) RedirectsError() bool {
	return r.Kind == ResultError && r.Error != nil && r.Error.Safe() && r.RedirectURI != ""
}

// InteractionHook can divert a signed-in user to a custom page before the
// code is issued. An empty URL continues the flow.
type InteractionHook interface {
	CustomRedirect(ctx context.Context, req *ValidatedAuthorizeRequest) (string, error)
}

// AuthorizeValidator validates authorize requests and decides the next step
// of the interaction.
type AuthorizeValidator struct {
	cfg       oauth.Config
	clients   oauth.ClientStore
	resources *ResourceValidator
	codes     *grants.AuthorizationCodeStore
	consents  *grants.ConsentStore
	keys      keys.Source
	publisher events.Publisher
	hook      InteractionHook
	now       func() time.Time
}

// NewAuthorizeValidator wires the validator.
func NewAuthorizeValidator(
	cfg oauth.Config,
	clients oauth.ClientStore,
	resources oauth.ResourceStore,
	codes *grants.AuthorizationCodeStore,
	consents *grants.ConsentStore,
	keySource keys.Source,
	publisher events.Publisher,
) *AuthorizeValidator {
	return &AuthorizeValidator{
		cfg:       cfg,
		clients:   clients,
		resources: NewResourceValidator(resources),
		codes:     codes,
		consents:  consents,
		keys:      keySource,
		publisher: publisher,
		now:       time.Now,
	}
}

// SetInteractionHook installs a custom interaction step.
func (v *AuthorizeValidator) SetInteractionHook(hook InteractionHook) {
	v.hook = hook
}

func (v *AuthorizeValidator) log(method string) *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"package": "validation",
		"method":  method,
	})
}

// Process runs validation and the interaction state machine. The returned
// error is set only for infrastructure failures; protocol failures are
// results of kind ResultError.
func (v *AuthorizeValidator) Process(ctx context.Context, in AuthorizeRequest) (*AuthorizeResult, error) {
	req, fail, err := v.validate(ctx, in)
	if err != nil || fail != nil {
		return fail, err
	}

	// canceled on the login page
	if in.Consent != nil && !in.Consent.Granted() && (req.Subject == nil || req.Subject.ID == "") {
		return v.fail(req, oauth.ErrorAccessDenied, "user canceled"), nil
	}

	if loginNeeded, reason := v.loginRequired(req); loginNeeded {
		if req.HasPrompt(oauth.PromptNone) {
			return v.fail(req, oauth.ErrorLoginRequired, reason), nil
		}
		v.log("Process").WithField("client_id", req.ClientID).WithField("reason", reason).Debug("showing login")
		return &AuthorizeResult{Kind: ResultLogin, Request: req}, nil
	}

	if in.Consent != nil {
		if fail, err := v.applyConsent(ctx, req, in.Consent); err != nil || fail != nil {
			return fail, err
		}
	} else {
		required, err := v.consentRequired(ctx, req)
		if err != nil {
			return nil, err
		}
		if required && req.HasPrompt(oauth.PromptNone) {
			return v.fail(req, oauth.ErrorConsentRequired, ""), nil
		}
		if required || req.HasPrompt(oauth.PromptConsent) {
			v.log("Process").WithField("client_id", req.ClientID).Debug("showing consent")
			return &AuthorizeResult{Kind: ResultConsent, Request: req}, nil
		}
	}

	if v.hook != nil {
		target, err := v.hook.CustomRedirect(ctx, req)
		if err != nil {
			return nil, errors.Wrap(err, "interaction hook")
		}
		if target != "" {
			return &AuthorizeResult{Kind: ResultCustomRedirect, Request: req, CustomRedirectURL: target}, nil
		}
	}

	resp, err := v.issueCode(ctx, req)
	if err != nil {
		return nil, err
	}
	return &AuthorizeResult{Kind: ResultResponse, Request: req, Response: resp}, nil
}

// Validate runs protocol validation only. It is used by the consent screen
// to describe the request.
func (v *AuthorizeValidator) Validate(ctx context.Context, in AuthorizeRequest) (*ValidatedAuthorizeRequest, *AuthorizeResult, error) {
	return v.validate(ctx, in)
}

func (v *AuthorizeValidator) validate(ctx context.Context, in AuthorizeRequest) (*ValidatedAuthorizeRequest, *AuthorizeResult, error) {
	raw := in.Parameters
	limits := v.cfg.InputLengths
	req := &ValidatedAuthorizeRequest{Raw: raw, Subject: in.Subject}

	for _, p := range singleValueParams {
		if len(raw[p]) > 1 {
			return nil, v.failEarly(oauth.ErrorInvalidRequest, "duplicate parameter: "+p), nil
		}
	}
	if raw.Has(oauth.ParamRequest) {
		return nil, v.failEarly(oauth.ErrorRequestNotSupported, ""), nil
	}
	if raw.Has(oauth.ParamRequestURI) {
		return nil, v.failEarly(oauth.ErrorRequestURINotSupported, ""), nil
	}

	lengthChecks := []struct {
		param string
		max   int
	}{
		{oauth.ParamClientID, limits.ClientID},
		{oauth.ParamScope, limits.Scope},
		{oauth.ParamRedirectURI, limits.RedirectURI},
		{oauth.ParamState, limits.State},
		{oauth.ParamNonce, limits.Nonce},
		{oauth.ParamLoginHint, limits.LoginHint},
		{oauth.ParamUILocales, limits.UILocales},
		{oauth.ParamAcrValues, limits.AcrValues},
		{oauth.ParamIDTokenHint, limits.IDTokenHint},
	}
	for _, c := range lengthChecks {
		if len(raw.Get(c.param)) > c.max {
			return nil, v.failEarly(oauth.ErrorInvalidRequest, c.param+" too long"), nil
		}
	}
	for _, r := range raw[oauth.ParamResource] {
		if len(r) > limits.ResourceIndicator {
			return nil, v.failEarly(oauth.ErrorInvalidRequest, "resource too long"), nil
		}
	}

	// client
	req.ClientID = raw.Get(oauth.ParamClientID)
	if req.ClientID == "" {
		return nil, v.failEarly(oauth.ErrorInvalidRequest, "client_id is missing"), nil
	}
	client, err := v.clients.FindClientByID(ctx, req.ClientID)
	if err != nil && !errors.Is(err, oauth.ErrNotFound) {
		return nil, nil, errors.Wrap(err, "find client")
	}
	if client == nil || !client.Enabled {
		return nil, v.failEarly(oauth.ErrorUnauthorizedClient, "unknown client or client not enabled"), nil
	}
	req.Client = client

	req.ResponseType = raw.Get(oauth.ParamResponseType)
	grantType, ok := oauth.GrantTypeForResponseType(req.ResponseType)
	if !ok {
		return nil, v.failEarly(oauth.ErrorUnsupportedResponseType, "response type not supported"), nil
	}
	if !client.AllowsGrantType(grantType) {
		return nil, v.failEarly(oauth.ErrorUnauthorizedClient, "grant type not allowed for client"), nil
	}
	req.GrantType = grantType

	// redirect uri
	req.RedirectURI = raw.Get(oauth.ParamRedirectURI)
	if req.RedirectURI == "" {
		return nil, v.failEarly(oauth.ErrorInvalidRequest, "redirect_uri is missing"), nil
	}
	if !RedirectURIAllowed(client, client.RedirectURIs, req.RedirectURI, in.BaseURL) {
		return nil, v.failEarly(oauth.ErrorInvalidRequest, "invalid redirect_uri"), nil
	}
	req.State = raw.Get(oauth.ParamState)

	req.ResponseMode = raw.Get(oauth.ParamResponseMode)
	if req.ResponseMode == "" {
		req.ResponseMode = oauth.ResponseModeQuery
	}
	if !oauth.IsResponseMode(req.ResponseMode) {
		req.ResponseMode = oauth.ResponseModeQuery
		return nil, v.fail(req, oauth.ErrorInvalidRequest, "invalid response_mode"), nil
	}

	// scopes and resources
	req.RequestedScopes = ParseScopes(raw.Get(oauth.ParamScope))
	if len(req.RequestedScopes) == 0 {
		return nil, v.fail(req, oauth.ErrorInvalidScope, "scope is missing"), nil
	}
	req.ResourceIndicators = raw[oauth.ParamResource]
	validated, err := v.resources.Validate(ctx, client, req.RequestedScopes, req.ResourceIndicators)
	if err != nil {
		return nil, nil, err
	}
	if perr := Check(validated); perr != nil {
		return nil, v.fail(req, perr.Code, perr.Description), nil
	}
	req.ValidatedResources = validated
	req.IsOpenID = contains(validated.ParsedScopes, oauth.ScopeOpenID)
	if !req.IsOpenID && len(validated.Resources.IdentityResources) > 0 {
		return nil, v.fail(req, oauth.ErrorInvalidScope, "identity scopes requested without openid"), nil
	}
	req.Nonce = raw.Get(oauth.ParamNonce)

	// pkce
	method, perr := ValidateCodeChallenge(client, raw.Get(oauth.ParamCodeChallenge), raw.Get(oauth.ParamCodeChallengeMethod), limits)
	if perr != nil {
		return nil, v.fail(req, perr.Code, perr.Description), nil
	}
	req.CodeChallenge = raw.Get(oauth.ParamCodeChallenge)
	req.CodeChallengeMethod = method

	// prompt and max_age
	if prompt := raw.Get(oauth.ParamPrompt); prompt != "" {
		req.PromptModes = strings.Fields(prompt)
		for _, p := range req.PromptModes {
			if !oauth.IsPrompt(p) {
				return nil, v.fail(req, oauth.ErrorInvalidRequest, "invalid prompt"), nil
			}
		}
		if req.HasPrompt(oauth.PromptNone) && len(req.PromptModes) > 1 {
			return nil, v.fail(req, oauth.ErrorInvalidRequest, "prompt none cannot be combined"), nil
		}
	}
	if raw.Has(oauth.ParamMaxAge) {
		maxAge, err := strconv.Atoi(raw.Get(oauth.ParamMaxAge))
		if err != nil || maxAge < 0 {
			return nil, v.fail(req, oauth.ErrorInvalidRequest, "invalid max_age"), nil
		}
		req.MaxAge = &maxAge
	}

	req.LoginHint = raw.Get(oauth.ParamLoginHint)
	req.UILocales = raw.Get(oauth.ParamUILocales)
	req.AcrValues = strings.Fields(raw.Get(oauth.ParamAcrValues))
	return req, nil, nil
}

func (v *AuthorizeValidator) loginRequired(req *ValidatedAuthorizeRequest) (bool, string) {
	subject := req.Subject
	if subject == nil || subject.ID == "" {
		return true, "user is not authenticated"
	}
	if req.HasPrompt(oauth.PromptLogin) || req.HasPrompt(oauth.PromptSelectAccount) {
		return true, "prompt requested"
	}
	if req.MaxAge != nil && v.now().Sub(subject.AuthTime) > time.Duration(*req.MaxAge)*time.Second {
		return true, "max_age exceeded"
	}
	if restrictions := req.Client.IdentityProviderRestrictions; len(restrictions) > 0 && !contains(restrictions, subject.IdentityProvider) {
		return true, "identity provider not allowed for client"
	}
	return false, ""
}

func (v *AuthorizeValidator) consentRequired(ctx context.Context, req *ValidatedAuthorizeRequest) (bool, error) {
	client := req.Client
	if !client.RequireConsent {
		return false, nil
	}
	if !client.AllowRememberConsent {
		return true, nil
	}
	consent, err := v.consents.GetUserConsent(ctx, req.Subject.ID, client.ClientID)
	if err != nil {
		return false, errors.Wrap(err, "load user consent")
	}
	return consent == nil || !consent.Covers(req.ValidatedResources.ParsedScopes), nil
}

func (v *AuthorizeValidator) applyConsent(ctx context.Context, req *ValidatedAuthorizeRequest, consent *oauth.ConsentResponse) (*AuthorizeResult, error) {
	event := events.Event{ClientID: req.ClientID, SubjectID: req.Subject.ID, SessionID: req.Subject.SessionID}

	var granted []string
	if consent.Granted() {
		for _, s := range req.ValidatedResources.ParsedScopes {
			if contains(consent.ScopesValuesConsented, s) {
				granted = append(granted, s)
			}
		}
	}
	if len(granted) == 0 {
		event.Type = events.ConsentDenied
		events.Emit(ctx, v.publisher, event)
		return v.fail(req, oauth.ErrorAccessDenied, ""), nil
	}

	validated, err := v.resources.Validate(ctx, req.Client, granted, req.ResourceIndicators)
	if err != nil {
		return nil, err
	}
	if perr := Check(validated); perr != nil {
		return v.fail(req, perr.Code, perr.Description), nil
	}
	req.ValidatedResources = validated
	req.IsOpenID = contains(granted, oauth.ScopeOpenID)
	req.WasConsentShown = true

	if consent.RememberConsent && req.Client.AllowRememberConsent {
		now := v.now().UTC()
		record := oauth.Consent{
			SubjectID:    req.Subject.ID,
			ClientID:     req.ClientID,
			Scopes:       granted,
			CreationTime: now,
		}
		if lifetime := req.Client.ConsentLifetime; lifetime > 0 {
			exp := now.Add(lifetime)
			record.Expiration = &exp
		}
		if err := v.consents.StoreUserConsent(ctx, record); err != nil {
			return nil, errors.Wrap(err, "store user consent")
		}
	}

	event.Type = events.ConsentGranted
	event.Data = map[string]any{"scopes": granted}
	events.Emit(ctx, v.publisher, event)
	return nil, nil
}

func (v *AuthorizeValidator) issueCode(ctx context.Context, req *ValidatedAuthorizeRequest) (*AuthorizeResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := v.now().UTC()
	subject := *req.Subject
	code := oauth.AuthorizationCode{
		CreationTime:                now,
		Lifetime:                    req.Client.AuthorizationCodeLifetime,
		ClientID:                    req.ClientID,
		Subject:                     subject,
		IsOpenID:                    req.IsOpenID,
		RequestedScopes:             req.ValidatedResources.ParsedScopes,
		RequestedResourceIndicators: req.ResourceIndicators,
		RedirectURI:                 req.RedirectURI,
		Nonce:                       req.Nonce,
		WasConsentShown:             req.WasConsentShown,
		SessionID:                   subject.SessionID,
		CodeChallenge:               req.CodeChallenge,
		CodeChallengeMethod:         req.CodeChallengeMethod,
	}
	if req.State != "" && req.IsOpenID {
		creds, err := v.keys.GetSigningCredentials(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "signing credentials")
		}
		code.StateHash, err = oauth.HashClaim(req.State, creds.Algorithm)
		if err != nil {
			return nil, err
		}
	}

	handle, err := v.codes.StoreAuthorizationCode(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "store authorization code")
	}

	resp := &AuthorizeResponse{
		RedirectURI:  req.RedirectURI,
		ResponseMode: req.ResponseMode,
		Code:         handle,
		State:        req.State,
		Scope:        strings.Join(req.ValidatedResources.ParsedScopes, " "),
	}
	if subject.SessionID != "" {
		resp.SessionState, err = NewSessionState(req.ClientID, Origin(req.RedirectURI), subject.SessionID)
		if err != nil {
			return nil, err
		}
	}
	if v.cfg.EmitIssuerIdentification {
		resp.Issuer = v.cfg.Issuer
	}

	v.log("issueCode").WithFields(logrus.Fields{
		"client_id": req.ClientID,
		"subject":   subject.ID,
	}).Info("authorization code issued")
	events.Emit(ctx, v.publisher, events.Event{
		Type:      events.CodeIssued,
		ClientID:  req.ClientID,
		SubjectID: subject.ID,
		SessionID: subject.SessionID,
	})
	return resp, nil
}

// failEarly is an error raised before the redirect URI was validated; it can
// only be shown on the error page.
func (v *AuthorizeValidator) failEarly(code, description string) *AuthorizeResult {
	v.log("validate").WithField("error", code).Info(description)
	return &AuthorizeResult{Kind: ResultError, Error: oauth.NewError(code, description)}
}

func (v *AuthorizeValidator) fail(req *ValidatedAuthorizeRequest, code, description string) *AuthorizeResult {
	v.log("validate").WithFields(logrus.Fields{
		"error":     code,
		"client_id": req.ClientID,
	}).Info(description)
	return &AuthorizeResult{
		Kind:         ResultError,
		Request:      req,
		Error:        oauth.NewError(code, description),
		RedirectURI:  req.RedirectURI,
		ResponseMode: req.ResponseMode,
		State:        req.State,
	}
}
