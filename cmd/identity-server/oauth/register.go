package oauth

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/identity-server/cmd/identity-server/auth"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/validation"
)

// registrationRequest is the RFC 7591 client metadata accepted here.
type registrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	PostLogoutRedirectURIs  []string `json:"post_logout_redirect_uris"`
	ClientName              string   `json:"client_name"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

var registrableGrantTypes = map[string]struct{}{
	oauth.GrantTypeAuthorizationCode: {},
	oauth.GrantTypeRefreshToken:      {},
	oauth.GrantTypeClientCredentials: {},
	oauth.GrantTypeDeviceCode:        {},
}

// HandleRegister creates a client through dynamic client registration. In
// protected mode the caller must present the configured bearer token.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if s.cfg.DCRMode == "protected" && !s.checkDCRAccess(r) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		writeJSON(w, http.StatusUnauthorized, oauth.NewError(oauth.ErrorInvalidToken, ""))
		return
	}

	var req registrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFormBytes)).Decode(&req); err != nil {
		s.registrationError(w, r, oauth.NewError(oauth.ErrorInvalidClientMetadata, "invalid JSON body"))
		return
	}
	client, secret, perr := s.clientFromRegistration(req)
	if perr != nil {
		s.registrationError(w, r, perr)
		return
	}

	if err := s.registrar.SaveClient(r.Context(), client); err != nil {
		s.log(r, "HandleRegister").WithError(err).Error("failed to store client")
		writeJSON(w, http.StatusInternalServerError, oauth.NewError(oauth.ErrorServerError, ""))
		return
	}
	s.log(r, "HandleRegister").WithFields(logrus.Fields{"client_id": client.ClientID}).Info("client registered")

	resp := map[string]any{
		"client_id":                  client.ClientID,
		"client_id_issued_at":        client.CreatedAt.Unix(),
		"redirect_uris":              client.RedirectURIs,
		"grant_types":                client.AllowedGrantTypes,
		"response_types":             req.ResponseTypes,
		"token_endpoint_auth_method": req.TokenEndpointAuthMethod,
		"client_name":                client.ClientName,
		"scope":                      strings.Join(client.AllowedScopes, " "),
	}
	if len(client.PostLogoutRedirectURIs) > 0 {
		resp["post_logout_redirect_uris"] = client.PostLogoutRedirectURIs
	}
	if secret != "" {
		resp["client_secret"] = secret
		resp["client_secret_expires_at"] = 0
	}
	writeJSON(w, http.StatusCreated, resp)
}

// clientFromRegistration validates req, fills defaults and returns the client
// with its plaintext secret (empty for public clients).
func (s *Server) clientFromRegistration(req registrationRequest) (*oauth.Client, string, *oauth.Error) {
	if len(req.GrantTypes) == 0 {
		req.GrantTypes = []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeRefreshToken}
	}
	for _, gt := range req.GrantTypes {
		if _, ok := registrableGrantTypes[gt]; !ok {
			return nil, "", oauth.NewError(oauth.ErrorInvalidClientMetadata, "unsupported grant type "+gt)
		}
	}
	usesCode := containsScope(req.GrantTypes, oauth.GrantTypeAuthorizationCode)
	if usesCode && len(req.RedirectURIs) == 0 {
		return nil, "", oauth.NewError(oauth.ErrorInvalidRedirectURI, "redirect_uris is required")
	}
	for _, uri := range append(append([]string(nil), req.RedirectURIs...), req.PostLogoutRedirectURIs...) {
		if err := validation.ValidateRegistrationRedirectURI(uri); err != nil {
			return nil, "", oauth.NewError(oauth.ErrorInvalidRedirectURI, err.Error())
		}
	}
	if len(req.ResponseTypes) == 0 && usesCode {
		req.ResponseTypes = []string{oauth.ResponseTypeCode}
	}
	for _, rt := range req.ResponseTypes {
		if _, ok := oauth.GrantTypeForResponseType(rt); !ok {
			return nil, "", oauth.NewError(oauth.ErrorInvalidClientMetadata, "unsupported response type "+rt)
		}
	}

	switch req.TokenEndpointAuthMethod {
	case "":
		req.TokenEndpointAuthMethod = validation.AuthMethodNone
	case validation.AuthMethodNone, validation.AuthMethodBasic, validation.AuthMethodPost:
	default:
		return nil, "", oauth.NewError(oauth.ErrorInvalidClientMetadata, "unsupported token_endpoint_auth_method")
	}
	public := req.TokenEndpointAuthMethod == validation.AuthMethodNone
	if public && containsScope(req.GrantTypes, oauth.GrantTypeClientCredentials) {
		return nil, "", oauth.NewError(oauth.ErrorInvalidClientMetadata, "client_credentials requires client authentication")
	}

	scopes := validation.ParseScopes(req.Scope)
	if len(scopes) == 0 {
		scopes = []string{oauth.ScopeOpenID}
	}
	offline := containsScope(req.GrantTypes, oauth.GrantTypeRefreshToken)

	clientID, err := oauth.RandomString(16)
	if err != nil {
		return nil, "", oauth.NewError(oauth.ErrorServerError, "")
	}
	now := s.now().UTC()
	client := &oauth.Client{
		ClientID:               "client_" + clientID,
		ClientName:             req.ClientName,
		Enabled:                true,
		AllowedGrantTypes:      req.GrantTypes,
		AllowedScopes:          scopes,
		RedirectURIs:           req.RedirectURIs,
		PostLogoutRedirectURIs: req.PostLogoutRedirectURIs,
		RequireClientSecret:    !public,
		RequirePkce:            true,
		RequireConsent:         true,
		AllowRememberConsent:   true,
		AllowOfflineAccess:     offline,
		CreatedAt:              now,
		UpdatedAt:              now,
	}
	client.ApplyDefaults()

	var secret string
	if !public {
		secret, err = oauth.RandomString(32)
		if err != nil {
			return nil, "", oauth.NewError(oauth.ErrorServerError, "")
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", oauth.NewError(oauth.ErrorServerError, "")
		}
		client.Secrets = []oauth.Secret{{Value: string(hash), Type: oauth.SecretTypeSharedSecret, Description: "dynamic registration"}}
	}
	if err := client.Validate(); err != nil {
		return nil, "", oauth.NewError(oauth.ErrorInvalidClientMetadata, err.Error())
	}
	return client, secret, nil
}

func (s *Server) registrationError(w http.ResponseWriter, r *http.Request, perr *oauth.Error) {
	s.log(r, "HandleRegister").WithField("error", perr.Code).Info(perr.Description)
	s.writeProtocolError(w, r, "registration", perr)
}

// checkDCRAccess compares the bearer token with the registration token.
func (s *Server) checkDCRAccess(r *http.Request) bool {
	if s.cfg.DCRAccessToken == "" {
		return false
	}
	return oauth.ConstantTimeEquals(auth.ExtractTokenFromHeader(r), s.cfg.DCRAccessToken)
}
