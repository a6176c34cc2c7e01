package keys

import (
	"context"
	"crypto/sha1"
	"crypto/x509"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

// JSONWebKeySet converts validation keys to a JWKS document.
func JSONWebKeySet(keys []ValidationKey) jose.JSONWebKeySet {
	set := jose.JSONWebKeySet{Keys: make([]jose.JSONWebKey, 0, len(keys))}
	for _, k := range keys {
		jwk := jose.JSONWebKey{
			Key:       k.Key,
			KeyID:     k.KeyID,
			Algorithm: k.Algorithm,
			Use:       "sig",
		}
		if k.Certificate != nil {
			thumb := sha1.Sum(k.Certificate.Raw)
			jwk.Certificates = []*x509.Certificate{k.Certificate}
			jwk.CertificateThumbprintSHA1 = thumb[:]
		}
		set.Keys = append(set.Keys, jwk)
	}
	return set
}

// Keyfunc resolves the verification key of a token by its kid header. The
// token algorithm must match the algorithm the key was created for.
func Keyfunc(ctx context.Context, src Source) jwt.Keyfunc {
	return func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		keys, err := src.GetValidationKeys(ctx)
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			if kid != "" && k.KeyID != kid {
				continue
			}
			if token.Method.Alg() != k.Algorithm {
				continue
			}
			return k.Key, nil
		}
		return nil, errors.Errorf("no validation key for kid %q", kid)
	}
}
