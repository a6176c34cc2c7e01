// Package keys manages the signing keys used for identity and access tokens
// and publishes the matching validation keys as a JSON Web Key Set.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"math/big"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// Key types returned by KeyType.
const (
	KeyTypeRSA = "RSA"
	KeyTypeEC  = "EC"
)

// DefaultRSAKeySize is used when no key size is configured.
const DefaultRSAKeySize = 2048

// ErrUnsupportedAlgorithm is returned for algorithms that map to no key type.
var ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

// Store persists signing key containers. Implementations live in the storage
// package.
type Store interface {
	LoadKeys(ctx context.Context) ([]oauth.SigningKeyContainer, error)
	StoreKey(ctx context.Context, key oauth.SigningKeyContainer) error
	DeleteKey(ctx context.Context, id string) error
}

// Source hands out signing credentials and validation keys.
type Source interface {
	GetSigningCredentials(ctx context.Context) (*SigningCredentials, error)
	GetAllSigningCredentials(ctx context.Context) ([]SigningCredentials, error)
	GetValidationKeys(ctx context.Context) ([]ValidationKey, error)
}

// SigningCredentials is a private key ready to sign JWTs.
type SigningCredentials struct {
	KeyID     string
	Algorithm string
	Key       crypto.Signer
}

// Method returns the jwt signing method for the credential algorithm.
func (c SigningCredentials) Method() jwt.SigningMethod {
	return jwt.GetSigningMethod(c.Algorithm)
}

// ValidationKey is a public key published in the JWKS.
type ValidationKey struct {
	KeyID       string
	Algorithm   string
	Key         crypto.PublicKey
	Certificate *x509.Certificate
	Created     time.Time
}

// KeyType dispatches on the leading character of a JWS algorithm name.
func KeyType(alg string) (string, error) {
	if jwt.GetSigningMethod(alg) == nil {
		return "", errors.Wrap(ErrUnsupportedAlgorithm, alg)
	}
	switch alg[0] {
	case 'R', 'P':
		return KeyTypeRSA, nil
	case 'E':
		if _, err := curveFor(alg); err != nil {
			return "", err
		}
		return KeyTypeEC, nil
	default:
		return "", errors.Wrap(ErrUnsupportedAlgorithm, alg)
	}
}

func curveFor(alg string) (elliptic.Curve, error) {
	switch {
	case strings.HasSuffix(alg, "256"):
		return elliptic.P256(), nil
	case strings.HasSuffix(alg, "384"):
		return elliptic.P384(), nil
	case strings.HasSuffix(alg, "512"):
		return elliptic.P521(), nil
	default:
		return nil, errors.Wrap(ErrUnsupportedAlgorithm, alg)
	}
}

// GenerateKey creates a fresh private key suitable for alg.
func GenerateKey(alg string, rsaKeySize int) (crypto.Signer, error) {
	kty, err := KeyType(alg)
	if err != nil {
		return nil, err
	}
	if kty == KeyTypeRSA {
		if rsaKeySize <= 0 {
			rsaKeySize = DefaultRSAKeySize
		}
		key, err := rsa.GenerateKey(rand.Reader, rsaKeySize)
		return key, errors.Wrap(err, "generate RSA key")
	}
	curve, err := curveFor(alg)
	if err != nil {
		return nil, err
	}
	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	return key, errors.Wrap(err, "generate EC key")
}

// EncodePrivateKey returns the PKCS#8 PEM encoding of key.
func EncodePrivateKey(key crypto.Signer) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, errors.Wrap(err, "marshal private key")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKey decodes a PEM private key in PKCS#1, PKCS#8 or SEC 1 form.
func ParsePrivateKey(pemValue []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(pemValue)
	if block == nil {
		return nil, errors.New("invalid private key PEM")
	}
	if parsed, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return parsed, nil
	}
	if parsed, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return parsed, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.New("unable to parse private key")
	}
	switch key := parsed.(type) {
	case *rsa.PrivateKey:
		return key, nil
	case *ecdsa.PrivateKey:
		return key, nil
	default:
		return nil, errors.New("private key is neither RSA nor EC")
	}
}

// ComputeKID derives a stable key id from the SHA-256 of the PKIX public key.
func ComputeKID(pub crypto.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", errors.Wrap(err, "failed to marshal public key")
	}
	sum := sha256.Sum256(derBytes)
	return base64.RawURLEncoding.EncodeToString(sum[:]), nil
}

func newKeyID() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
}

func selfSignedCertificate(key crypto.Signer, id string, notBefore time.Time, validity time.Duration) ([]byte, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, errors.Wrap(err, "certificate serial")
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "signing key " + id},
		NotBefore:             notBefore.Add(-time.Minute),
		NotAfter:              notBefore.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), nil
}

func parseCertificate(pemValue string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(pemValue))
	if block == nil {
		return nil, errors.New("invalid certificate PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	return cert, errors.Wrap(err, "parse certificate")
}
