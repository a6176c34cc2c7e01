package validation

import (
	"context"
	"strings"

	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// ResourceValidator resolves requested scopes and resource indicators against
// the resource store and the client's allowed scopes.
type ResourceValidator struct {
	store oauth.ResourceStore
}

// NewResourceValidator builds a validator over store.
func NewResourceValidator(store oauth.ResourceStore) *ResourceValidator {
	return &ResourceValidator{store: store}
}

// ParseScopes splits a scope parameter, dropping empty and repeated values and
// keeping request order.
func ParseScopes(raw string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, s := range strings.Fields(raw) {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Validate resolves scopes in request order. Scopes the client may not
// request, or that name no enabled resource, land in InvalidScopes.
// Indicators must be absolute URIs naming an API resource reached through the
// requested scopes.
func (v *ResourceValidator) Validate(ctx context.Context, client *oauth.Client, scopes, indicators []string) (*oauth.ResourceValidationResult, error) {
	result := &oauth.ResourceValidationResult{}

	identity, err := v.store.FindIdentityResourcesByScopeName(ctx, scopes)
	if err != nil {
		return nil, errors.Wrap(err, "find identity resources")
	}
	apiScopes, err := v.store.FindAPIScopesByName(ctx, scopes)
	if err != nil {
		return nil, errors.Wrap(err, "find api scopes")
	}
	apis, err := v.store.FindAPIResourcesByScopeName(ctx, scopes)
	if err != nil {
		return nil, errors.Wrap(err, "find api resources")
	}

	addedAPIs := map[string]struct{}{}
	for _, scope := range scopes {
		if scope == oauth.ScopeOfflineAccess {
			if !client.AllowOfflineAccess {
				result.InvalidScopes = append(result.InvalidScopes, scope)
				continue
			}
			result.Resources.OfflineAccess = true
			result.ParsedScopes = append(result.ParsedScopes, scope)
			continue
		}
		if !client.AllowsScope(scope) {
			result.InvalidScopes = append(result.InvalidScopes, scope)
			continue
		}
		if ir, ok := findIdentity(identity, scope); ok {
			result.Resources.IdentityResources = append(result.Resources.IdentityResources, ir)
			result.ParsedScopes = append(result.ParsedScopes, scope)
			continue
		}
		sc, ok := findScope(apiScopes, scope)
		if !ok {
			result.InvalidScopes = append(result.InvalidScopes, scope)
			continue
		}
		result.Resources.APIScopes = append(result.Resources.APIScopes, sc)
		result.ParsedScopes = append(result.ParsedScopes, scope)
		for _, api := range apis {
			if _, done := addedAPIs[api.Name]; done || !contains(api.Scopes, scope) {
				continue
			}
			addedAPIs[api.Name] = struct{}{}
			result.Resources.APIResources = append(result.Resources.APIResources, api)
		}
	}

	for _, indicator := range indicators {
		if !IsAbsoluteURI(indicator) {
			result.InvalidResourceIndicators = append(result.InvalidResourceIndicators, indicator)
			continue
		}
		if _, ok := addedAPIs[indicator]; !ok {
			result.InvalidResourceIndicators = append(result.InvalidResourceIndicators, indicator)
		}
	}
	return result, nil
}

// Check turns an unsuccessful result into a protocol error.
func Check(result *oauth.ResourceValidationResult) *oauth.Error {
	if len(result.InvalidResourceIndicators) > 0 {
		return oauth.NewError(oauth.ErrorInvalidTarget, "invalid resource indicator")
	}
	if len(result.InvalidScopes) > 0 {
		return oauth.NewError(oauth.ErrorInvalidScope, "invalid scope: "+strings.Join(result.InvalidScopes, " "))
	}
	return nil
}

func findIdentity(resources []oauth.IdentityResource, name string) (oauth.IdentityResource, bool) {
	for _, r := range resources {
		if r.Name == name {
			return r, true
		}
	}
	return oauth.IdentityResource{}, false
}

func findScope(scopes []oauth.APIScope, name string) (oauth.APIScope, bool) {
	for _, s := range scopes {
		if s.Name == name {
			return s, true
		}
	}
	return oauth.APIScope{}, false
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
