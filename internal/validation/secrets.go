package validation

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// Client authentication methods.
const (
	AuthMethodBasic = "client_secret_basic"
	AuthMethodPost  = "client_secret_post"
	AuthMethodNone  = "none"
)

// ClientCredentials are the credentials presented on a back-channel request.
type ClientCredentials struct {
	ClientID string
	Secret   string
	Method   string
}

// ParseClientCredentials reads credentials from the Authorization header
// (form-urlencoded per RFC 6749 section 2.3.1) or the request body. The form
// must already be parsed.
func ParseClientCredentials(r *http.Request) (*ClientCredentials, *oauth.Error) {
	if user, pass, ok := r.BasicAuth(); ok {
		id, err := url.QueryUnescape(user)
		if err != nil {
			return nil, oauth.NewError(oauth.ErrorInvalidClient, "malformed basic credentials")
		}
		secret, err := url.QueryUnescape(pass)
		if err != nil {
			return nil, oauth.NewError(oauth.ErrorInvalidClient, "malformed basic credentials")
		}
		if id == "" {
			return nil, oauth.NewError(oauth.ErrorInvalidClient, "client_id required")
		}
		if body := r.PostForm.Get(oauth.ParamClientID); body != "" && body != id {
			return nil, oauth.InvalidRequest("client_id mismatch")
		}
		return &ClientCredentials{ClientID: id, Secret: secret, Method: AuthMethodBasic}, nil
	}

	id := r.PostForm.Get(oauth.ParamClientID)
	if id == "" {
		return nil, oauth.NewError(oauth.ErrorInvalidClient, "client_id required")
	}
	creds := &ClientCredentials{ClientID: id, Method: AuthMethodNone}
	if secret := r.PostForm.Get(oauth.ParamClientSecret); secret != "" {
		creds.Secret = secret
		creds.Method = AuthMethodPost
	}
	return creds, nil
}

// SecretMatches reports whether presented matches one of the unexpired bcrypt
// hashed shared secrets.
func SecretMatches(secrets []oauth.Secret, presented string, now time.Time) bool {
	if presented == "" {
		return false
	}
	for _, s := range secrets {
		if s.Type != "" && s.Type != oauth.SecretTypeSharedSecret {
			continue
		}
		if s.Expired(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(s.Value), []byte(presented)) == nil {
			return true
		}
	}
	return false
}

// ClientAuthenticator authenticates clients at the token, revocation and
// device authorization endpoints.
type ClientAuthenticator struct {
	clients oauth.ClientStore
	limits  oauth.InputLengthRestrictions
	now     func() time.Time
}

// NewClientAuthenticator builds an authenticator over clients.
func NewClientAuthenticator(clients oauth.ClientStore, limits oauth.InputLengthRestrictions) *ClientAuthenticator {
	return &ClientAuthenticator{clients: clients, limits: limits, now: time.Now}
}

// Authenticate resolves and authenticates the calling client. Protocol
// failures are returned as *oauth.Error with code invalid_client (or
// invalid_request for malformed input); other errors are infrastructure
// failures.
func (a *ClientAuthenticator) Authenticate(ctx context.Context, r *http.Request) (*oauth.Client, error) {
	creds, perr := ParseClientCredentials(r)
	if perr != nil {
		return nil, perr
	}
	return a.AuthenticateCredentials(ctx, creds)
}

// AuthenticateCredentials authenticates already parsed credentials.
func (a *ClientAuthenticator) AuthenticateCredentials(ctx context.Context, creds *ClientCredentials) (*oauth.Client, error) {
	log := logrus.WithFields(logrus.Fields{
		"package":   "validation",
		"method":    "ClientAuthenticator.Authenticate",
		"client_id": creds.ClientID,
	})

	if len(creds.ClientID) > a.limits.ClientID || len(creds.Secret) > a.limits.ClientSecret {
		return nil, oauth.NewError(oauth.ErrorInvalidClient, "credentials too long")
	}

	client, err := a.clients.FindClientByID(ctx, creds.ClientID)
	if errors.Is(err, oauth.ErrNotFound) {
		log.Info("unknown client")
		return nil, oauth.NewError(oauth.ErrorInvalidClient, "unknown client")
	}
	if err != nil {
		return nil, errors.Wrap(err, "find client")
	}
	if !client.Enabled {
		log.Info("client disabled")
		return nil, oauth.NewError(oauth.ErrorInvalidClient, "unknown client")
	}

	if !client.RequireClientSecret {
		return client, nil
	}
	if creds.Secret == "" {
		log.Info("secret required")
		return nil, oauth.NewError(oauth.ErrorInvalidClient, "client secret required")
	}
	if !SecretMatches(client.Secrets, creds.Secret, a.now()) {
		log.Info("invalid client secret")
		return nil, oauth.NewError(oauth.ErrorInvalidClient, "invalid client secret")
	}
	return client, nil
}
