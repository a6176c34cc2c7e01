package oauth

// IdentityResource is a named group of user claims (openid, profile, email).
type IdentityResource struct {
	Name                    string   `yaml:"name" json:"name"`
	DisplayName             string   `yaml:"display_name" json:"display_name,omitempty"`
	Description             string   `yaml:"description" json:"description,omitempty"`
	Enabled                 bool     `yaml:"enabled" json:"enabled"`
	Required                bool     `yaml:"required" json:"required"`
	Emphasize               bool     `yaml:"emphasize" json:"emphasize"`
	ShowInDiscoveryDocument bool     `yaml:"show_in_discovery_document" json:"show_in_discovery_document"`
	UserClaims              []string `yaml:"user_claims" json:"user_claims,omitempty"`
}

// APIScope is a permission requested through the scope parameter.
type APIScope struct {
	Name                    string   `yaml:"name" json:"name"`
	DisplayName             string   `yaml:"display_name" json:"display_name,omitempty"`
	Description             string   `yaml:"description" json:"description,omitempty"`
	Enabled                 bool     `yaml:"enabled" json:"enabled"`
	Required                bool     `yaml:"required" json:"required"`
	ShowInDiscoveryDocument bool     `yaml:"show_in_discovery_document" json:"show_in_discovery_document"`
	UserClaims              []string `yaml:"user_claims" json:"user_claims,omitempty"`
}

// APIResource groups scopes under an audience. Name doubles as the resource
// indicator and must be an absolute URI when RequireResourceIndicator is set.
type APIResource struct {
	Name                     string   `yaml:"name" json:"name"`
	DisplayName              string   `yaml:"display_name" json:"display_name,omitempty"`
	Enabled                  bool     `yaml:"enabled" json:"enabled"`
	Scopes                   []string `yaml:"scopes" json:"scopes"`
	UserClaims               []string `yaml:"user_claims" json:"user_claims,omitempty"`
	Secrets                  []Secret `yaml:"secrets" json:"-"`
	RequireResourceIndicator bool     `yaml:"require_resource_indicator" json:"require_resource_indicator"`
	AllowedSigningAlgorithms []string `yaml:"allowed_signing_algorithms" json:"allowed_signing_algorithms,omitempty"`
}

// Resources is the set of resources a request resolved to.
type Resources struct {
	IdentityResources []IdentityResource
	APIResources      []APIResource
	APIScopes         []APIScope
	OfflineAccess     bool
}

// ScopeNames returns identity then API scope names, plus offline_access.
func (r Resources) ScopeNames() []string {
	names := make([]string, 0, len(r.IdentityResources)+len(r.APIScopes)+1)
	for _, ir := range r.IdentityResources {
		names = append(names, ir.Name)
	}
	for _, s := range r.APIScopes {
		names = append(names, s.Name)
	}
	if r.OfflineAccess {
		names = append(names, ScopeOfflineAccess)
	}
	return names
}

// ResourceValidationResult is the outcome of scope and resource indicator
// validation.
type ResourceValidationResult struct {
	Resources                 Resources
	ParsedScopes              []string
	InvalidScopes             []string
	InvalidResourceIndicators []string
}

// Succeeded reports whether nothing was rejected.
func (r *ResourceValidationResult) Succeeded() bool {
	return len(r.InvalidScopes) == 0 && len(r.InvalidResourceIndicators) == 0
}

// FilterByResourceIndicator returns a copy restricted to the API resource
// named by indicator. An empty indicator keeps every API resource that does
// not require an explicit indicator, and drops the API scopes reachable only
// through resources that do. Identity resources and offline_access are kept
// only for the unfiltered case.
func (r *ResourceValidationResult) FilterByResourceIndicator(indicator string) *ResourceValidationResult {
	out := &ResourceValidationResult{}
	if indicator == "" {
		out.Resources.IdentityResources = append(out.Resources.IdentityResources, r.Resources.IdentityResources...)
		out.Resources.OfflineAccess = r.Resources.OfflineAccess
		for _, api := range r.Resources.APIResources {
			if !api.RequireResourceIndicator {
				out.Resources.APIResources = append(out.Resources.APIResources, api)
			}
		}
		dropped := map[string]bool{}
		for _, s := range r.Resources.APIScopes {
			if r.requiresIndicator(s.Name) {
				dropped[s.Name] = true
				continue
			}
			out.Resources.APIScopes = append(out.Resources.APIScopes, s)
		}
		for _, name := range r.ParsedScopes {
			if !dropped[name] {
				out.ParsedScopes = append(out.ParsedScopes, name)
			}
		}
		return out
	}

	for _, api := range r.Resources.APIResources {
		if api.Name != indicator {
			continue
		}
		out.Resources.APIResources = append(out.Resources.APIResources, api)
		for _, s := range r.Resources.APIScopes {
			if contains(api.Scopes, s.Name) {
				out.Resources.APIScopes = append(out.Resources.APIScopes, s)
				out.ParsedScopes = append(out.ParsedScopes, s.Name)
			}
		}
	}
	return out
}

// requiresIndicator reports whether scope belongs to at least one API resource
// and every such resource requires an explicit resource indicator.
func (r *ResourceValidationResult) requiresIndicator(scope string) bool {
	found := false
	for _, api := range r.Resources.APIResources {
		if !contains(api.Scopes, scope) {
			continue
		}
		if !api.RequireResourceIndicator {
			return false
		}
		found = true
	}
	return found
}

// Audiences returns the API resource names for the access token aud claim.
func (r *ResourceValidationResult) Audiences() []string {
	aud := make([]string, 0, len(r.Resources.APIResources))
	for _, api := range r.Resources.APIResources {
		aud = append(aud, api.Name)
	}
	return aud
}
