// Package validation validates authorize requests and drives the login and
// consent interaction, validates requested scopes and resource indicators,
// and authenticates clients at the token endpoint.
package validation

import (
	"net/url"
	"strings"

	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// IsAbsoluteURI reports whether raw parses as a URI with scheme and host.
func IsAbsoluteURI(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs() && u.Host != ""
}

// RedirectURIAllowed reports whether requested exactly matches one of the
// registered URIs. First-party SPA clients may register relative URIs, which
// are resolved against baseURL (scheme, host and path base of the current
// request). The requested URI itself must always be absolute.
func RedirectURIAllowed(client *oauth.Client, registered []string, requested, baseURL string) bool {
	if !IsAbsoluteURI(requested) {
		return false
	}
	for _, uri := range registered {
		if uri == requested {
			return true
		}
		if client.Profile == oauth.ProfileFirstPartySPA && strings.HasPrefix(uri, "/") && baseURL != "" {
			if strings.TrimRight(baseURL, "/")+uri == requested {
				return true
			}
		}
	}
	return false
}

// ValidateRegistrationRedirectURI checks a redirect URI submitted through
// dynamic client registration: https, or http on a loopback host, without a
// fragment.
func ValidateRegistrationRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return errors.Errorf("invalid redirect_uri: %s", raw)
	}
	if parsed.Fragment != "" {
		return errors.Errorf("redirect_uri must not contain a fragment: %s", raw)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	host := parsed.Hostname()
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1" || host == "::1") {
		return nil
	}
	return errors.Errorf("redirect_uri must use https (or localhost http): %s", raw)
}

// Origin returns scheme://host[:port] of raw, or "" when raw is not absolute.
func Origin(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}
