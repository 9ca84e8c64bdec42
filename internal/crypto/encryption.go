package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptionAlgorithm identifies an AEAD cipher.
type EncryptionAlgorithm string

const (
	EncryptionAESGCM EncryptionAlgorithm = "aes-256-gcm"
	EncryptionChaCha EncryptionAlgorithm = "xchacha20-poly1305"
)

// Encryptor provides encryption and decryption
type Encryptor interface {
	// Encrypt encrypts data with the given key
	Encrypt(key, plaintext []byte) (ciphertext []byte, nonce []byte, err error)

	// Decrypt decrypts data with the given key and nonce
	Decrypt(key, nonce, ciphertext []byte) (plaintext []byte, err error)

	// Algorithm returns the encryption algorithm
	Algorithm() EncryptionAlgorithm

	// KeySize returns the required key size in bytes
	KeySize() int

	// NonceSize returns the nonce size in bytes
	NonceSize() int
}

// AESGCMEncryptor implements Encryptor using AES-256-GCM
type AESGCMEncryptor struct{}

// NewAESGCMEncryptor creates a new AES-256-GCM encryptor
func NewAESGCMEncryptor() *AESGCMEncryptor { return &AESGCMEncryptor{} }

func (e *AESGCMEncryptor) Algorithm() EncryptionAlgorithm { return EncryptionAESGCM }
func (e *AESGCMEncryptor) KeySize() int                   { return 32 } // 256 bits
func (e *AESGCMEncryptor) NonceSize() int                 { return 12 } // 96 bits (standard GCM)

func (e *AESGCMEncryptor) Encrypt(key, plaintext []byte) ([]byte, []byte, error) {
	if len(key) != e.KeySize() {
		return nil, nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), e.KeySize())
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)
	return ciphertext, nonce, nil
}

func (e *AESGCMEncryptor) Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != e.KeySize() {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), e.KeySize())
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: got %d, want %d", len(nonce), gcm.NonceSize())
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// ChaCha20Poly1305Encryptor implements Encryptor using XChaCha20-Poly1305
type ChaCha20Poly1305Encryptor struct{}

// NewChaCha20Poly1305Encryptor creates a new XChaCha20-Poly1305 encryptor
func NewChaCha20Poly1305Encryptor() *ChaCha20Poly1305Encryptor {
	return &ChaCha20Poly1305Encryptor{}
}

func (e *ChaCha20Poly1305Encryptor) Algorithm() EncryptionAlgorithm { return EncryptionChaCha }
func (e *ChaCha20Poly1305Encryptor) KeySize() int                   { return 32 }
func (e *ChaCha20Poly1305Encryptor) NonceSize() int                 { return 24 } // XChaCha20 uses 24-byte nonce

func (e *ChaCha20Poly1305Encryptor) Encrypt(key, plaintext []byte) ([]byte, []byte, error) {
	if len(key) != e.KeySize() {
		return nil, nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), e.KeySize())
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

func (e *ChaCha20Poly1305Encryptor) Decrypt(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(key) != e.KeySize() {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), e.KeySize())
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("invalid nonce size: got %d, want %d", len(nonce), aead.NonceSize())
	}

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// NewEncryptor returns the encryptor for the given algorithm.
func NewEncryptor(alg EncryptionAlgorithm) (Encryptor, error) {
	switch alg {
	case EncryptionAESGCM, "":
		return NewAESGCMEncryptor(), nil
	case EncryptionChaCha:
		return NewChaCha20Poly1305Encryptor(), nil
	default:
		return nil, fmt.Errorf("unknown encryption algorithm: %s", alg)
	}
}
