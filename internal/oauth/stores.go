package oauth

import "context"

// ClientStore resolves registered clients. Unknown ids return ErrNotFound.
type ClientStore interface {
	FindClientByID(ctx context.Context, clientID string) (*Client, error)
}

// ClientRegistrar persists clients created through dynamic registration.
type ClientRegistrar interface {
	ClientStore
	SaveClient(ctx context.Context, client *Client) error
}

// ResourceStore resolves identity resources, API scopes and API resources.
type ResourceStore interface {
	FindIdentityResourcesByScopeName(ctx context.Context, names []string) ([]IdentityResource, error)
	FindAPIScopesByName(ctx context.Context, names []string) ([]APIScope, error)
	FindAPIResourcesByScopeName(ctx context.Context, names []string) ([]APIResource, error)
	FindAPIResourcesByName(ctx context.Context, names []string) ([]APIResource, error)
	GetAllResources(ctx context.Context) (Resources, error)
}
