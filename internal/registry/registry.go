// Package registry loads clients, resources, local users and identity
// providers from a YAML file and serves them from memory.
package registry

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// User is a local account.
type User struct {
	SubjectID    string         `yaml:"subject"`
	Username     string         `yaml:"username"`
	PasswordHash string         `yaml:"password_hash"`
	Claims       map[string]any `yaml:"claims"`
	Disabled     bool           `yaml:"disabled"`
}

// Provider configures an external or local identity provider. Settings are
// interpreted by the provider type.
type Provider struct {
	Scheme      string            `yaml:"scheme"`
	Type        string            `yaml:"type"`
	DisplayName string            `yaml:"display_name"`
	Enabled     bool              `yaml:"enabled"`
	Settings    map[string]string `yaml:"settings"`
}

// File is the document read by LoadFile.
type File struct {
	Clients           []oauth.Client           `yaml:"-"`
	IdentityResources []oauth.IdentityResource `yaml:"-"`
	APIScopes         []oauth.APIScope         `yaml:"-"`
	APIResources      []oauth.APIResource      `yaml:"-"`
	Users             []User                   `yaml:"users"`
	Providers         []Provider               `yaml:"-"`
}

type document struct {
	Clients           []clientEntry   `yaml:"clients"`
	IdentityResources []identityEntry `yaml:"identity_resources"`
	APIScopes         []scopeEntry    `yaml:"api_scopes"`
	APIResources      []apiEntry      `yaml:"api_resources"`
	Users             []User          `yaml:"users"`
	Providers         []providerEntry `yaml:"providers"`
}

// Entries default Enabled (and a few other flags) to true when omitted.
type clientEntry struct{ oauth.Client }

func (e *clientEntry) UnmarshalYAML(node *yaml.Node) error {
	e.Client = oauth.Client{Enabled: true, RequirePkce: true, RequireClientSecret: true}
	return node.Decode(&e.Client)
}

type identityEntry struct{ oauth.IdentityResource }

func (e *identityEntry) UnmarshalYAML(node *yaml.Node) error {
	e.IdentityResource = oauth.IdentityResource{Enabled: true, ShowInDiscoveryDocument: true}
	return node.Decode(&e.IdentityResource)
}

type scopeEntry struct{ oauth.APIScope }

func (e *scopeEntry) UnmarshalYAML(node *yaml.Node) error {
	e.APIScope = oauth.APIScope{Enabled: true, ShowInDiscoveryDocument: true}
	return node.Decode(&e.APIScope)
}

type apiEntry struct{ oauth.APIResource }

func (e *apiEntry) UnmarshalYAML(node *yaml.Node) error {
	e.APIResource = oauth.APIResource{Enabled: true}
	return node.Decode(&e.APIResource)
}

type providerEntry struct{ Provider }

func (e *providerEntry) UnmarshalYAML(node *yaml.Node) error {
	e.Provider = Provider{Enabled: true}
	return node.Decode(&e.Provider)
}

// LoadFile reads and validates the registry at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read registry %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a registry document. Standard identity
// resources are added when the document declares none.
func Parse(data []byte) (*File, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "parse registry")
	}

	f := &File{Users: doc.Users}
	for _, c := range doc.Clients {
		f.Clients = append(f.Clients, c.Client)
	}
	for _, r := range doc.IdentityResources {
		f.IdentityResources = append(f.IdentityResources, r.IdentityResource)
	}
	for _, s := range doc.APIScopes {
		f.APIScopes = append(f.APIScopes, s.APIScope)
	}
	for _, a := range doc.APIResources {
		f.APIResources = append(f.APIResources, a.APIResource)
	}
	for _, p := range doc.Providers {
		f.Providers = append(f.Providers, p.Provider)
	}
	if len(f.IdentityResources) == 0 {
		f.IdentityResources = StandardIdentityResources()
	}

	if err := f.validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"package":       "registry",
		"method":        "Parse",
		"clients":       len(f.Clients),
		"api_resources": len(f.APIResources),
		"users":         len(f.Users),
		"providers":     len(f.Providers),
	}).Info("registry loaded")
	return f, nil
}

// StandardIdentityResources returns openid, profile and email.
func StandardIdentityResources() []oauth.IdentityResource {
	return []oauth.IdentityResource{
		{Name: oauth.ScopeOpenID, DisplayName: "Your user identifier", Required: true, Enabled: true, ShowInDiscoveryDocument: true, UserClaims: oauth.StandardScopeClaims(oauth.ScopeOpenID)},
		{Name: oauth.ScopeProfile, DisplayName: "User profile", Emphasize: true, Enabled: true, ShowInDiscoveryDocument: true, UserClaims: oauth.StandardScopeClaims(oauth.ScopeProfile)},
		{Name: oauth.ScopeEmail, DisplayName: "Your email address", Emphasize: true, Enabled: true, ShowInDiscoveryDocument: true, UserClaims: oauth.StandardScopeClaims(oauth.ScopeEmail)},
	}
}

func (f *File) validate() error {
	clientIDs := map[string]struct{}{}
	for i := range f.Clients {
		c := &f.Clients[i]
		c.ApplyDefaults()
		if err := c.Validate(); err != nil {
			return err
		}
		if _, dup := clientIDs[c.ClientID]; dup {
			return errors.Errorf("duplicate client %s", c.ClientID)
		}
		clientIDs[c.ClientID] = struct{}{}
	}

	scopes := map[string]struct{}{}
	for _, r := range f.IdentityResources {
		if r.Name == "" {
			return errors.New("identity resource without name")
		}
		if _, dup := scopes[r.Name]; dup {
			return errors.Errorf("duplicate scope %s", r.Name)
		}
		scopes[r.Name] = struct{}{}
	}
	for _, s := range f.APIScopes {
		if s.Name == "" {
			return errors.New("api scope without name")
		}
		if _, dup := scopes[s.Name]; dup {
			return errors.Errorf("duplicate scope %s", s.Name)
		}
		scopes[s.Name] = struct{}{}
	}

	apis := map[string]struct{}{}
	for _, a := range f.APIResources {
		if a.Name == "" {
			return errors.New("api resource without name")
		}
		if _, dup := apis[a.Name]; dup {
			return errors.Errorf("duplicate api resource %s", a.Name)
		}
		apis[a.Name] = struct{}{}
		for _, s := range a.Scopes {
			if _, ok := scopes[s]; !ok {
				return errors.Errorf("api resource %s references unknown scope %s", a.Name, s)
			}
		}
	}

	users := map[string]struct{}{}
	for _, u := range f.Users {
		if u.SubjectID == "" || u.Username == "" {
			return errors.New("user requires subject and username")
		}
		key := strings.ToLower(u.Username)
		if _, dup := users[key]; dup {
			return errors.Errorf("duplicate user %s", u.Username)
		}
		users[key] = struct{}{}
	}

	for _, p := range f.Providers {
		if p.Scheme == "" || p.Type == "" {
			return errors.New("provider requires scheme and type")
		}
	}
	return nil
}
