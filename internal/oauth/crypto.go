package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// RandomString returns a base64url-encoded random string.
func RandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns a hex-encoded SHA-256 hash.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// GrantKey derives the storage key of a handle so the handle itself is never
// persisted.
func GrantKey(handle, grantType string) string {
	return HashToken(handle + ":" + grantType)
}

// Sha256Base64URL returns base64url(sha256(value)) without padding.
func Sha256Base64URL(value string) string {
	sum := sha256.Sum256([]byte(value))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// HashClaim computes at_hash and s_hash values: base64url of the left half of
// the hash of value, where the hash matches the JWS algorithm suffix. Only
// 256, 384 and 512 suffixes are accepted.
func HashClaim(value, alg string) (string, error) {
	var sum []byte
	switch {
	case strings.HasSuffix(alg, "256"):
		s := sha256.Sum256([]byte(value))
		sum = s[:]
	case strings.HasSuffix(alg, "384"):
		s := sha512.Sum384([]byte(value))
		sum = s[:]
	case strings.HasSuffix(alg, "512"):
		s := sha512.Sum512([]byte(value))
		sum = s[:]
	default:
		return "", errors.Errorf("no hash claim algorithm for %q", alg)
	}
	return base64.RawURLEncoding.EncodeToString(sum[:len(sum)/2]), nil
}

// ConstantTimeEquals compares two strings without leaking the position of the
// first difference.
func ConstantTimeEquals(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

// RandomUserCode returns a human-typable code for the device flow.
func RandomUserCode(length int) (string, error) {
	out := make([]byte, length)
	max := big.NewInt(int64(len(userCodeAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = userCodeAlphabet[n.Int64()]
	}
	return string(out), nil
}
