package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func writePKIX(t *testing.T, dir string, pub *rsa.PublicKey) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	path := filepath.Join(dir, "webhook.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600))
	return path
}

func TestRSAVerifier(t *testing.T) {
	key := generateKey(t)
	path := writePKIX(t, t.TempDir(), &key.PublicKey)

	v, err := LoadRSAVerifier(path)
	require.NoError(t, err)

	body := []byte(`{"event_type":"balances#credit","data":{"amount":10}}`)
	sig, err := Sign(key, body)
	require.NoError(t, err)

	assert.NoError(t, v.Verify(body, sig))
	assert.ErrorIs(t, v.Verify([]byte(`{"tampered":true}`), sig), ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(body, ""), ErrMissingSignature)
	assert.ErrorIs(t, v.Verify(body, "%%%not-base64"), ErrInvalidSignature)
}

func TestRSAVerifierKeyRotation(t *testing.T) {
	oldKey, newKey, other := generateKey(t), generateKey(t), generateKey(t)
	v := NewRSAVerifier(&oldKey.PublicKey, &newKey.PublicKey)

	body := []byte("payload")
	for _, k := range []*rsa.PrivateKey{oldKey, newKey} {
		sig, err := Sign(k, body)
		require.NoError(t, err)
		assert.NoError(t, v.Verify(body, sig))
	}

	sig, err := Sign(other, body)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(body, sig), ErrInvalidSignature)
}

func TestParsePublicKeyPEM(t *testing.T) {
	key := generateKey(t)

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})
	parsed, err := ParsePublicKeyPEM(pkcs1)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey.N, parsed.N)

	_, err = ParsePublicKeyPEM([]byte("not pem"))
	assert.Error(t, err)

	_, err = ParsePublicKeyPEM(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte{1}}))
	assert.Error(t, err)

	_, err = LoadRSAVerifier()
	assert.Error(t, err)
	_, err = LoadRSAVerifier(filepath.Join(t.TempDir(), "missing.pem"))
	assert.Error(t, err)
}
