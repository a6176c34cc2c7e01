package validation

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/providentiaww/identity-server/internal/oauth"
)

// NewSessionState computes an OIDC session_state value with a fresh salt.
func NewSessionState(clientID, origin, sessionID string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "session state salt")
	}
	return ComputeSessionState(clientID, origin, sessionID, hex.EncodeToString(buf)), nil
}

// ComputeSessionState returns base64url(sha256(client_id origin sid salt)).salt.
func ComputeSessionState(clientID, origin, sessionID, salt string) string {
	return oauth.Sha256Base64URL(clientID+" "+origin+" "+sessionID+" "+salt) + "." + salt
}
