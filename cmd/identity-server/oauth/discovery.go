package oauth

import (
	"net/http"
	"sort"

	"github.com/providentiaww/identity-server/internal/keys"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/validation"
)

// HandleDiscovery serves the OpenID Provider metadata document.
func (s *Server) HandleDiscovery(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resources, err := s.resources.GetAllResources(ctx)
	if err != nil {
		s.log(r, "HandleDiscovery").WithError(err).Error("failed to load resources")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	creds, err := s.keys.GetAllSigningCredentials(ctx)
	if err != nil {
		s.log(r, "HandleDiscovery").WithError(err).Error("failed to load signing credentials")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	scopes := []string{}
	claims := []string{"sub"}
	for _, ir := range resources.IdentityResources {
		if !ir.ShowInDiscoveryDocument {
			continue
		}
		scopes = append(scopes, ir.Name)
		for _, c := range ir.UserClaims {
			if !containsScope(claims, c) {
				claims = append(claims, c)
			}
		}
	}
	for _, sc := range resources.APIScopes {
		if sc.ShowInDiscoveryDocument {
			scopes = append(scopes, sc.Name)
		}
	}
	scopes = append(scopes, oauth.ScopeOfflineAccess)

	var algs []string
	for _, c := range creds {
		if !containsScope(algs, c.Algorithm) {
			algs = append(algs, c.Algorithm)
		}
	}

	responseTypes := oauth.SupportedResponseTypes()
	sort.Strings(responseTypes)

	issuer := s.cfg.Issuer
	data := map[string]any{
		"issuer":                                         issuer,
		"jwks_uri":                                       issuer + PathDiscoveryJWKS,
		"authorization_endpoint":                         issuer + PathAuthorize,
		"token_endpoint":                                 issuer + PathToken,
		"userinfo_endpoint":                              issuer + PathUserInfo,
		"end_session_endpoint":                           issuer + PathEndSession,
		"revocation_endpoint":                            issuer + PathRevocation,
		"introspection_endpoint":                         issuer + PathIntrospection,
		"scopes_supported":                               scopes,
		"claims_supported":                               claims,
		"grant_types_supported":                          s.supportedGrantTypes(),
		"response_types_supported":                       responseTypes,
		"response_modes_supported":                       []string{oauth.ResponseModeFormPost, oauth.ResponseModeQuery, oauth.ResponseModeFragment},
		"subject_types_supported":                        []string{"public"},
		"id_token_signing_alg_values_supported":          algs,
		"code_challenge_methods_supported":               []string{oauth.CodeChallengeMethodPlain, oauth.CodeChallengeMethodSHA256},
		"token_endpoint_auth_methods_supported":          []string{validation.AuthMethodBasic, validation.AuthMethodPost},
		"request_parameter_supported":                    false,
		"request_uri_parameter_supported":                false,
		"authorization_response_iss_parameter_supported": s.cfg.EmitIssuerIdentification,
	}
	if s.devices != nil {
		data["device_authorization_endpoint"] = issuer + PathDeviceAuthorize
	}
	if s.registrar != nil && s.cfg.DCRMode != "disabled" {
		data["registration_endpoint"] = issuer + PathRegistration
	}

	writeJSON(w, http.StatusOK, data)
}

func (s *Server) supportedGrantTypes() []string {
	out := []string{oauth.GrantTypeAuthorizationCode, oauth.GrantTypeClientCredentials, oauth.GrantTypeRefreshToken}
	if s.devices != nil {
		out = append(out, oauth.GrantTypeDeviceCode)
	}
	return out
}

// HandleJWKS serves the validation keys as a JSON Web Key Set.
func (s *Server) HandleJWKS(w http.ResponseWriter, r *http.Request) {
	validationKeys, err := s.keys.GetValidationKeys(r.Context())
	if err != nil {
		s.log(r, "HandleJWKS").WithError(err).Error("failed to load validation keys")
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, keys.JSONWebKeySet(validationKeys))
}
