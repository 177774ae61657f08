package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	msg := []byte("a|b|1234|hello")
	sig := id.Sign(msg)
	require.Len(t, sig, ed25519.SignatureSize)
	require.True(t, ED25519Verify(id.Pub, msg, sig))

	// Any mutation of the signed string must invalidate the signature.
	require.False(t, ED25519Verify(id.Pub, []byte("a|b|1235|hello"), sig))

	other, err := GenerateIdentity()
	require.NoError(t, err)
	require.False(t, ED25519Verify(other.Pub, msg, sig))
}

func TestVerifyRejectsBadKeyLength(t *testing.T) {
	require.False(t, ED25519Verify(make([]byte, 7), []byte("m"), make([]byte, 64)))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.json")

	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.NoError(t, id.Save(path))

	loaded, err := LoadIdentity(path)
	require.NoError(t, err)
	require.Equal(t, id.Pub, loaded.Pub)
	require.Equal(t, id.Priv, loaded.Priv)
}

func TestLoadOrCreateIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")

	first, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)

	second, err := LoadOrCreateIdentity(path)
	require.NoError(t, err)
	require.Equal(t, first.Pub, second.Pub)
}

func TestPublicKeyBase64(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(id.PublicKeyBase64())
	require.NoError(t, err)
	require.Equal(t, []byte(id.Pub), raw)
}
