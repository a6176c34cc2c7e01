package keys

import (
	"context"
	"crypto/ecdsa"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// StaticKeys serves a single configured key for signing and validation.
type StaticKeys struct {
	credentials SigningCredentials
}

// LoadStaticKeysFromEnv loads a private key from OAUTH_PRIVATE_KEY_PEM or the
// file named by OAUTH_PRIVATE_KEY_PATH. OAUTH_SIGNING_ALG overrides the
// algorithm derived from the key type.
func LoadStaticKeysFromEnv() (*StaticKeys, error) {
	pemValue := os.Getenv("OAUTH_PRIVATE_KEY_PEM")
	if pemValue == "" {
		if path := os.Getenv("OAUTH_PRIVATE_KEY_PATH"); path != "" {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, errors.Wrap(err, "failed to read OAUTH_PRIVATE_KEY_PATH")
			}
			pemValue = string(data)
		}
	}
	if pemValue == "" {
		return nil, errors.New("OAUTH_PRIVATE_KEY_PEM or OAUTH_PRIVATE_KEY_PATH is required")
	}
	return NewStaticKeys(strings.ReplaceAll(pemValue, `\n`, "\n"), strings.TrimSpace(os.Getenv("OAUTH_SIGNING_ALG")))
}

// NewStaticKeys parses pemValue. An empty alg selects RS256 for RSA keys and
// the ES algorithm matching the curve for EC keys.
func NewStaticKeys(pemValue, alg string) (*StaticKeys, error) {
	key, err := ParsePrivateKey([]byte(pemValue))
	if err != nil {
		return nil, err
	}

	if alg == "" {
		alg = "RS256"
		if ec, ok := key.(*ecdsa.PrivateKey); ok {
			switch ec.Curve.Params().BitSize {
			case 384:
				alg = "ES384"
			case 521:
				alg = "ES512"
			default:
				alg = "ES256"
			}
		}
	}
	kty, err := KeyType(alg)
	if err != nil {
		return nil, err
	}
	if _, isEC := key.(*ecdsa.PrivateKey); isEC != (kty == KeyTypeEC) {
		return nil, errors.Errorf("private key does not match algorithm %s", alg)
	}

	kid, err := ComputeKID(key.Public())
	if err != nil {
		return nil, err
	}
	return &StaticKeys{credentials: SigningCredentials{KeyID: kid, Algorithm: alg, Key: key}}, nil
}

func (s *StaticKeys) GetSigningCredentials(context.Context) (*SigningCredentials, error) {
	c := s.credentials
	return &c, nil
}

func (s *StaticKeys) GetAllSigningCredentials(context.Context) ([]SigningCredentials, error) {
	return []SigningCredentials{s.credentials}, nil
}

func (s *StaticKeys) GetValidationKeys(context.Context) ([]ValidationKey, error) {
	return []ValidationKey{{
		KeyID:     s.credentials.KeyID,
		Algorithm: s.credentials.Algorithm,
		Key:       s.credentials.Key.Public(),
	}}, nil
}
