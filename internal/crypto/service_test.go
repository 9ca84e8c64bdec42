package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeyManager(t *testing.T) *KeyManager {
	t.Helper()
	km, err := NewKeyManager(&KeyManagerConfig{
		MasterKey:     bytes.Repeat([]byte{0x42}, 32),
		EnableCaching: true,
		CacheMaxAge:   0,
	})
	require.NoError(t, err)
	return km
}

func TestService_EncryptDecryptRoundTrip(t *testing.T) {
	svc, err := NewService(NewAESGCMEncryptor(), testKeyManager(t), nil)
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("disaster recovery payload "), 1024)

	ciphertext, checksum, err := svc.Encrypt(plaintext, "key-ref-1")
	require.NoError(t, err)
	require.NotEmpty(t, checksum)
	assert.NotContains(t, string(ciphertext), "disaster recovery")

	got, err := svc.Decrypt(ciphertext, "key-ref-1", checksum)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestService_DecryptFailsClosed(t *testing.T) {
	svc, err := NewService(nil, testKeyManager(t), nil)
	require.NoError(t, err)

	ciphertext, checksum, err := svc.Encrypt([]byte("sensitive"), "key-ref-1")
	require.NoError(t, err)

	t.Run("flipped byte", func(t *testing.T) {
		tampered := append([]byte(nil), ciphertext...)
		tampered[len(tampered)/2] ^= 0xFF

		got, err := svc.Decrypt(tampered, "key-ref-1", checksum)
		var ie *IntegrityError
		require.True(t, errors.As(err, &ie))
		assert.Nil(t, got, "no partial plaintext on integrity failure")
	})

	t.Run("wrong checksum", func(t *testing.T) {
		got, err := svc.Decrypt(ciphertext, "key-ref-1", Checksum([]byte("other")))
		var ie *IntegrityError
		require.True(t, errors.As(err, &ie))
		assert.Nil(t, got)
	})

	t.Run("wrong key reference", func(t *testing.T) {
		got, err := svc.Decrypt(ciphertext, "key-ref-2", checksum)
		var ie *IntegrityError
		require.True(t, errors.As(err, &ie))
		assert.Nil(t, got)
	})

	t.Run("truncated ciphertext", func(t *testing.T) {
		got, err := svc.Decrypt(ciphertext[:4], "key-ref-1", Checksum(ciphertext[:4]))
		var ie *IntegrityError
		require.True(t, errors.As(err, &ie))
		assert.Nil(t, got)
	})
}

func TestService_ChaCha20RoundTrip(t *testing.T) {
	svc, err := NewService(NewChaCha20Poly1305Encryptor(), testKeyManager(t), nil)
	require.NoError(t, err)

	plaintext := []byte("model artifact bytes")
	ciphertext, checksum, err := svc.Encrypt(plaintext, "ref")
	require.NoError(t, err)

	got, err := svc.Decrypt(ciphertext, "ref", checksum)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestKeyManager_DeterministicDerivation(t *testing.T) {
	km := testKeyManager(t)

	k1, err := km.DeriveKey("ref-a")
	require.NoError(t, err)
	k2, err := km.DeriveKey("ref-a")
	require.NoError(t, err)
	k3, err := km.DeriveKey("ref-b")
	require.NoError(t, err)

	assert.Equal(t, k1, k2, "same reference derives same key")
	assert.NotEqual(t, k1, k3, "different references derive different keys")
	assert.Len(t, k1, 32)
}

func TestKeyManager_RequiresMasterKey(t *testing.T) {
	_, err := NewKeyManager(&KeyManagerConfig{})
	assert.Error(t, err)

	_, err = NewKeyManager(&KeyManagerConfig{MasterKey: []byte("short")})
	assert.Error(t, err)
}
