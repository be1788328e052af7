package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKey, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)
}

func TestDecryptWithWrongPassword(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	_, err = DecryptKey(blob, "hunter3")
	assert.ErrorContains(t, err, "decryption failed")
}

func TestEncryptRejectsShortKey(t *testing.T) {
	_, err := EncryptKey("abcdef", "hunter2")
	assert.ErrorContains(t, err, "32-byte")
}

func TestLoadKeyPrefersRaw(t *testing.T) {
	got, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey})
	require.NoError(t, err)
	assert.Equal(t, testKey, got)
}

func TestLoadKeyFromEncryptedFile(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "authority.key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	got, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, testKey, got)
}

func TestLoadKeyNoSource(t *testing.T) {
	_, err := LoadKey(KeyConfig{})
	assert.ErrorContains(t, err, "no private key source")
}
