package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientValidate(t *testing.T) {
	tests := []struct {
		name    string
		client  Client
		wantErr string
	}{
		{
			name:   "valid code client",
			client: Client{ClientID: "app", AllowedGrantTypes: []string{GrantTypeAuthorizationCode}, RedirectURIs: []string{"https://app/cb"}},
		},
		{
			name:    "missing grant types",
			client:  Client{ClientID: "app"},
			wantErr: "at least one grant type",
		},
		{
			name:    "code without redirect",
			client:  Client{ClientID: "app", AllowedGrantTypes: []string{GrantTypeAuthorizationCode}},
			wantErr: "redirect uri",
		},
		{
			name:    "unknown grant",
			client:  Client{ClientID: "app", AllowedGrantTypes: []string{"password2"}},
			wantErr: "unknown grant type",
		},
		{
			name:   "client credentials without redirect",
			client: Client{ClientID: "svc", AllowedGrantTypes: []string{GrantTypeClientCredentials}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.client.ApplyDefaults()
			err := tt.client.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestClientApplyDefaults(t *testing.T) {
	c := Client{ClientID: "app", AuthorizationCodeLifetime: time.Minute}
	c.ApplyDefaults()

	assert.Equal(t, AccessTokenTypeJWT, c.AccessTokenType)
	assert.Equal(t, time.Minute, c.AuthorizationCodeLifetime)
	assert.Equal(t, time.Hour, c.AccessTokenLifetime)
	assert.Equal(t, RefreshTokenOneTimeOnly, c.RefreshTokenUsage)
	assert.Equal(t, RefreshTokenAbsolute, c.RefreshTokenExpiration)
}

func TestSecretExpired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	assert.False(t, Secret{}.Expired(now))
	assert.True(t, Secret{Expiration: &past}.Expired(now))
	assert.True(t, Secret{Expiration: &now}.Expired(now))
	assert.False(t, Secret{Expiration: &future}.Expired(now))
}

func TestGrantFilter(t *testing.T) {
	assert.Error(t, GrantFilter{Type: GrantRefreshToken}.Validate())
	assert.NoError(t, GrantFilter{SubjectID: "alice"}.Validate())
	assert.NoError(t, GrantFilter{ClientIDs: []string{"a"}}.Validate())

	f := GrantFilter{ClientID: "a", ClientIDs: []string{"b", "a"}, Type: GrantRefreshToken, Types: []string{GrantReferenceToken}}
	assert.ElementsMatch(t, []string{"a", "b"}, f.AllClientIDs())
	assert.ElementsMatch(t, []string{GrantRefreshToken, GrantReferenceToken}, f.AllTypes())
}

func TestConsentCovers(t *testing.T) {
	c := Consent{Scopes: []string{"openid", "profile", "api"}}
	assert.True(t, c.Covers([]string{"openid", "profile"}))
	assert.False(t, c.Covers([]string{"openid", "email"}))
}

func TestFilterByResourceIndicator(t *testing.T) {
	result := &ResourceValidationResult{
		Resources: Resources{
			IdentityResources: []IdentityResource{{Name: "openid"}},
			APIResources: []APIResource{
				{Name: "https://orders.example.com", Scopes: []string{"orders.read"}},
				{Name: "https://billing.example.com", Scopes: []string{"billing"}, RequireResourceIndicator: true},
			},
			APIScopes:     []APIScope{{Name: "orders.read"}, {Name: "billing"}},
			OfflineAccess: true,
		},
		ParsedScopes: []string{"openid", "orders.read", "billing", "offline_access"},
	}

	unfiltered := result.FilterByResourceIndicator("")
	assert.Equal(t, []string{"https://orders.example.com"}, unfiltered.Audiences())
	assert.True(t, unfiltered.Resources.OfflineAccess)
	assert.Len(t, unfiltered.Resources.IdentityResources, 1)
	// billing is only reachable with its indicator
	assert.Equal(t, []string{"openid", "orders.read", "offline_access"}, unfiltered.ParsedScopes)
	assert.Equal(t, []APIScope{{Name: "orders.read"}}, unfiltered.Resources.APIScopes)

	billing := result.FilterByResourceIndicator("https://billing.example.com")
	assert.Equal(t, []string{"https://billing.example.com"}, billing.Audiences())
	assert.Equal(t, []string{"billing"}, billing.ParsedScopes)
	assert.False(t, billing.Resources.OfflineAccess)
	assert.Empty(t, billing.Resources.IdentityResources)

	assert.Empty(t, result.FilterByResourceIndicator("https://unknown").Audiences())

	// a scope shared with an API that needs no indicator stays
	result.Resources.APIResources[0].Scopes = append(result.Resources.APIResources[0].Scopes, "billing")
	assert.Contains(t, result.FilterByResourceIndicator("").ParsedScopes, "billing")
}

func TestScopeNames(t *testing.T) {
	r := Resources{
		IdentityResources: []IdentityResource{{Name: "openid"}, {Name: "profile"}},
		APIScopes:         []APIScope{{Name: "api"}},
		OfflineAccess:     true,
	}
	assert.Equal(t, []string{"openid", "profile", "api", "offline_access"}, r.ScopeNames())
}

func TestStaticMaps(t *testing.T) {
	gt, ok := GrantTypeForResponseType("code")
	assert.True(t, ok)
	assert.Equal(t, GrantTypeAuthorizationCode, gt)

	_, ok = GrantTypeForResponseType("token")
	assert.False(t, ok)

	for _, code := range []string{"access_denied", "login_required", "consent_required", "interaction_required", "account_selection_required", "temporarily_unavailable"} {
		assert.True(t, IsSafeError(code), code)
	}
	assert.False(t, IsSafeError(ErrorInvalidRequest))
	assert.False(t, IsSafeError(ErrorUnauthorizedClient))
}
