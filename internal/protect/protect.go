// Package protect encrypts payloads at rest: persisted grant data, signing
// keys, session cookies and message store entries.
package protect

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"io"

	"github.com/pkg/errors"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// ErrMalformed is returned when a protected value cannot be decoded.
var ErrMalformed = errors.New("protected payload is malformed")

// Protector encrypts and authenticates opaque payloads.
type Protector interface {
	Protect(plaintext []byte) (string, error)
	Unprotect(protected string) ([]byte, error)
}

// AESGCM protects payloads with AES-256-GCM. The output is
// base64url(nonce || ciphertext). The purpose string is bound as additional
// data so a payload protected for one purpose cannot be opened for another.
type AESGCM struct {
	aead    cipher.AEAD
	purpose []byte
}

// GenerateKey returns a random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	return key, nil
}

// KeyFromBase64 decodes a standard base64 AES-256 key.
func KeyFromBase64(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, errors.Wrap(err, "decode data protection key")
	}
	if len(key) != KeySize {
		return nil, errors.Errorf("data protection key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// NewAESGCM builds a protector for purpose.
func NewAESGCM(key []byte, purpose string) (*AESGCM, error) {
	if len(key) != KeySize {
		return nil, errors.Errorf("AES key must be exactly %d bytes long", KeySize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "new cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "new gcm")
	}
	return &AESGCM{aead: gcm, purpose: []byte(purpose)}, nil
}

// WithPurpose returns a protector sharing the key but bound to purpose.
func (p *AESGCM) WithPurpose(purpose string) *AESGCM {
	return &AESGCM{aead: p.aead, purpose: []byte(purpose)}
}

func (p *AESGCM) Protect(plaintext []byte) (string, error) {
	nonce := make([]byte, p.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.Wrap(err, "read nonce")
	}
	sealed := p.aead.Seal(nonce, nonce, plaintext, p.purpose)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

func (p *AESGCM) Unprotect(protected string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(protected)
	if err != nil {
		return nil, ErrMalformed
	}
	nonceSize := p.aead.NonceSize()
	if len(raw) < nonceSize {
		return nil, ErrMalformed
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := p.aead.Open(nil, nonce, ciphertext, p.purpose)
	if err != nil {
		return nil, errors.Wrap(err, "unprotect")
	}
	return plaintext, nil
}

// Passthrough only base64-encodes. It is used when signing keys are stored
// without data protection.
type Passthrough struct{}

func (Passthrough) Protect(plaintext []byte) (string, error) {
	return base64.RawURLEncoding.EncodeToString(plaintext), nil
}

func (Passthrough) Unprotect(protected string) ([]byte, error) {
	raw, err := base64.RawURLEncoding.DecodeString(protected)
	if err != nil {
		return nil, ErrMalformed
	}
	return raw, nil
}
