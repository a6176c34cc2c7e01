package tokens

import (
	"context"

	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/registry"
)

// ProfileService supplies user claims for tokens and userinfo and decides
// whether a subject may still receive tokens.
type ProfileService interface {
	GetProfileClaims(ctx context.Context, subject *oauth.Subject, claimTypes []string) (map[string]any, error)
	IsActive(ctx context.Context, subject *oauth.Subject) (bool, error)
}

// LocalIdentityProvider names subjects authenticated against local users.
const LocalIdentityProvider = "local"

// UserProfileService reads claims of local users from the registry and of
// external users from the claims captured at sign-in.
type UserProfileService struct {
	users *registry.UserStore
}

// NewUserProfileService builds the service. users may be nil.
func NewUserProfileService(users *registry.UserStore) *UserProfileService {
	return &UserProfileService{users: users}
}

func (s *UserProfileService) GetProfileClaims(_ context.Context, subject *oauth.Subject, claimTypes []string) (map[string]any, error) {
	source := subject.Claims
	if s.users != nil {
		if u, ok := s.users.FindBySubject(subject.ID); ok {
			source = u.Claims
		}
	}
	out := map[string]any{}
	for _, t := range claimTypes {
		if v, ok := source[t]; ok {
			out[t] = v
		}
	}
	return out, nil
}

// IsActive rejects local subjects whose account was removed or disabled.
// Subjects from external providers stay active.
func (s *UserProfileService) IsActive(_ context.Context, subject *oauth.Subject) (bool, error) {
	if subject.IdentityProvider != LocalIdentityProvider || s.users == nil {
		return true, nil
	}
	_, ok := s.users.FindBySubject(subject.ID)
	return ok, nil
}

// identityClaimTypes lists the user claims of the identity resources.
func identityClaimTypes(resources oauth.Resources) []string {
	var out []string
	for _, ir := range resources.IdentityResources {
		out = appendUnique(out, ir.UserClaims...)
	}
	return out
}

// apiClaimTypes lists the user claims of the API resources and scopes.
func apiClaimTypes(resources oauth.Resources) []string {
	var out []string
	for _, api := range resources.APIResources {
		out = appendUnique(out, api.UserClaims...)
	}
	for _, sc := range resources.APIScopes {
		out = appendUnique(out, sc.UserClaims...)
	}
	return out
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if !contains(dst, v) {
			dst = append(dst, v)
		}
	}
	return dst
}
