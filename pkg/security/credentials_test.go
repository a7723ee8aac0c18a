package security

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIV = "0123456789abcdef"

func TestNewCredentialBoxIVLength(t *testing.T) {
	_, err := NewCredentialBox("too-short")
	assert.Error(t, err)

	box, err := NewCredentialBox(testIV)
	require.NoError(t, err)
	assert.NotNil(t, box)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	box, err := NewCredentialBox(testIV)
	require.NoError(t, err)

	secret := []byte(`{"auth_url":"http://keystone:5000/v3","token":"abc123"}`)
	encoded, err := box.Encrypt("alice", "p1", secret)
	require.NoError(t, err)
	assert.NotEqual(t, string(secret), encoded)

	got, err := box.Decrypt("alice", "p1", encoded)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

func TestDecryptWithWrongPrincipal(t *testing.T) {
	box, err := NewCredentialBox(testIV)
	require.NoError(t, err)

	encoded, err := box.Encrypt("alice", "p1", []byte("secret-token"))
	require.NoError(t, err)

	// The key is derived per principal, so a different one gets garbage
	got, err := box.Decrypt("bob", "p1", encoded)
	require.NoError(t, err)
	assert.NotEqual(t, []byte("secret-token"), got)
}

func TestEncryptEmptyCredential(t *testing.T) {
	box, err := NewCredentialBox(testIV)
	require.NoError(t, err)

	_, err = box.Encrypt("alice", "p1", nil)
	assert.Error(t, err)
}

func TestDecryptRejectsBadCiphertext(t *testing.T) {
	box, err := NewCredentialBox(testIV)
	require.NoError(t, err)

	_, err = box.Decrypt("alice", "p1", "not-base64!!!")
	assert.Error(t, err)

	// Valid base64 but not a block multiple
	short := base64.StdEncoding.EncodeToString([]byte("12345"))
	_, err = box.Decrypt("alice", "p1", short)
	assert.ErrorContains(t, err, "block multiple")
}

func TestPaddingStripsTrailingSpaces(t *testing.T) {
	box, err := NewCredentialBox(testIV)
	require.NoError(t, err)

	// 5 bytes pads to 16; the pad spaces vanish on decrypt
	encoded, err := box.Encrypt("alice", "p1", []byte("token"))
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	got, err := box.Decrypt("alice", "p1", encoded)
	require.NoError(t, err)
	assert.Equal(t, []byte("token"), got)

	// A plaintext that is already a block multiple stays unpadded
	long := []byte(strings.Repeat("x", 32))
	encoded, err = box.Encrypt("alice", "p1", long)
	require.NoError(t, err)
	raw, err = base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestSealOpen(t *testing.T) {
	box, err := NewCredentialBox(testIV)
	require.NoError(t, err)

	now := time.Now()
	cred, err := box.Seal("alice", "p1", []byte("secret"), now)
	require.NoError(t, err)
	assert.Equal(t, "alice", cred.User)
	assert.Equal(t, "p1", cred.Project)
	assert.Equal(t, now, cred.CreatedAt)
	assert.NotEqual(t, "secret", cred.Cred)

	got, err := box.Open(cred)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	_, err = box.Open(nil)
	assert.Error(t, err)
}
