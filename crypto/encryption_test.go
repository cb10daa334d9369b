package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	keyString, err := GenerateEncryptionKey()
	require.NoError(t, err)
	t.Setenv("ENCRYPTION_KEY", keyString)

	key, err := GetEncryptionKey()
	require.NoError(t, err)
	require.Len(t, key, 32)

	plaintext := "CA12345XY"
	ciphertext, err := Encrypt(plaintext, key)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	decrypted, err := Decrypt(ciphertext, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptProducesFreshNonce(t *testing.T) {
	keyString, err := GenerateEncryptionKey()
	require.NoError(t, err)
	t.Setenv("ENCRYPTION_KEY", keyString)
	key, err := GetEncryptionKey()
	require.NoError(t, err)

	first, err := Encrypt("stesso testo", key)
	require.NoError(t, err)
	second, err := Encrypt("stesso testo", key)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	keyString, err := GenerateEncryptionKey()
	require.NoError(t, err)
	t.Setenv("ENCRYPTION_KEY", keyString)
	key, err := GetEncryptionKey()
	require.NoError(t, err)

	ciphertext, err := Encrypt("segreto", key)
	require.NoError(t, err)

	otherString, err := GenerateEncryptionKey()
	require.NoError(t, err)
	otherKey, err := base64.StdEncoding.DecodeString(otherString)
	require.NoError(t, err)

	_, err = Decrypt(ciphertext, otherKey)
	assert.Error(t, err)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	keyString, err := GenerateEncryptionKey()
	require.NoError(t, err)
	t.Setenv("ENCRYPTION_KEY", keyString)
	key, err := GetEncryptionKey()
	require.NoError(t, err)

	ciphertext, err := Encrypt("segreto", key)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = Decrypt(tampered, key)
	assert.Error(t, err)

	_, err = Decrypt("non-base64!!", key)
	assert.Error(t, err)
}

func TestEmptyStringsPassThrough(t *testing.T) {
	key := make([]byte, 32)

	out, err := Encrypt("", key)
	require.NoError(t, err)
	assert.Empty(t, out)

	out, err = Decrypt("", key)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestGetEncryptionKeyFallbacks(t *testing.T) {
	t.Run("missing key generates a random one", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", "")
		key, err := GetEncryptionKey()
		require.NoError(t, err)
		assert.Len(t, key, 32)
	})

	t.Run("non-base64 key is hashed", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", "una passphrase qualsiasi!!")
		key, err := GetEncryptionKey()
		require.NoError(t, err)
		assert.Len(t, key, 32)

		// Deterministic: the same passphrase always yields the same key.
		again, err := GetEncryptionKey()
		require.NoError(t, err)
		assert.Equal(t, key, again)
	})

	t.Run("short base64 key is hashed to 32 bytes", func(t *testing.T) {
		t.Setenv("ENCRYPTION_KEY", base64.StdEncoding.EncodeToString([]byte("short")))
		key, err := GetEncryptionKey()
		require.NoError(t, err)
		assert.Len(t, key, 32)
	})
}
