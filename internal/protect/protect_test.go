package protect

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newProtector(t *testing.T, purpose string) *AESGCM {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	p, err := NewAESGCM(key, purpose)
	require.NoError(t, err)
	return p
}

func TestAESGCMRoundTrip(t *testing.T) {
	p := newProtector(t, "grants")

	protected, err := p.Protect([]byte(`{"client_id":"app"}`))
	require.NoError(t, err)
	assert.NotContains(t, protected, "client_id")

	plain, err := p.Unprotect(protected)
	require.NoError(t, err)
	assert.Equal(t, `{"client_id":"app"}`, string(plain))
}

func TestAESGCMPurposeIsolation(t *testing.T) {
	p := newProtector(t, "grants")
	protected, err := p.Protect([]byte("payload"))
	require.NoError(t, err)

	_, err = p.WithPurpose("session").Unprotect(protected)
	assert.Error(t, err)
}

func TestAESGCMRejectsTampering(t *testing.T) {
	p := newProtector(t, "grants")
	protected, err := p.Protect([]byte("payload"))
	require.NoError(t, err)

	raw, err := base64.RawURLEncoding.DecodeString(protected)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01

	_, err = p.Unprotect(base64.RawURLEncoding.EncodeToString(raw))
	assert.Error(t, err)

	_, err = p.Unprotect("!!")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = p.Unprotect("AA")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestKeyFromBase64(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)

	decoded, err := KeyFromBase64(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	assert.Equal(t, key, decoded)

	_, err = KeyFromBase64(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestPassthrough(t *testing.T) {
	var p Protector = Passthrough{}
	protected, err := p.Protect([]byte("pem"))
	require.NoError(t, err)
	plain, err := p.Unprotect(protected)
	require.NoError(t, err)
	assert.Equal(t, "pem", string(plain))
}
