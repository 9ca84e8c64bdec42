package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// IntegrityError signals a checksum or authentication failure. Decryption
// fails closed: no partial plaintext is ever returned alongside one.
type IntegrityError struct {
	Reason string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed: %s", e.Reason)
}

// Service is the encryption service used for backup payloads. Payloads are
// compressed with zstd, sealed with an AEAD under a key derived from the
// opaque key reference, and checksummed over the ciphertext.
type Service struct {
	encryptor Encryptor
	keys      *KeyManager
	encoder   *zstd.Encoder
	decoder   *zstd.Decoder
	logger    *zap.Logger
}

// NewService creates the encryption service.
func NewService(encryptor Encryptor, keys *KeyManager, logger *zap.Logger) (*Service, error) {
	if encryptor == nil {
		encryptor = NewAESGCMEncryptor()
	}
	if keys == nil {
		return nil, fmt.Errorf("key manager required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Service{
		encryptor: encryptor,
		keys:      keys,
		encoder:   encoder,
		decoder:   decoder,
		logger:    logger,
	}, nil
}

// Checksum computes the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChecksumMatches compares two checksums in constant time.
func ChecksumMatches(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Encrypt compresses and seals plaintext under the key referenced by keyRef.
// The returned ciphertext is nonce||sealed; the checksum covers the whole
// ciphertext so tampering is detectable without a decryption attempt.
func (s *Service) Encrypt(plaintext []byte, keyRef string) (ciphertext []byte, checksum string, err error) {
	key, err := s.keys.DeriveKey(keyRef)
	if err != nil {
		return nil, "", fmt.Errorf("derive key: %w", err)
	}

	compressed := s.encoder.EncodeAll(plaintext, nil)

	sealed, nonce, err := s.encryptor.Encrypt(key, compressed)
	if err != nil {
		return nil, "", fmt.Errorf("encrypt: %w", err)
	}

	ciphertext = make([]byte, 0, len(nonce)+len(sealed))
	ciphertext = append(ciphertext, nonce...)
	ciphertext = append(ciphertext, sealed...)

	return ciphertext, Checksum(ciphertext), nil
}

// Decrypt verifies the checksum, opens the ciphertext, and decompresses.
// Any mismatch or authentication failure returns an IntegrityError and no
// plaintext.
func (s *Service) Decrypt(ciphertext []byte, keyRef, checksum string) ([]byte, error) {
	if !ChecksumMatches(Checksum(ciphertext), checksum) {
		return nil, &IntegrityError{Reason: "ciphertext checksum mismatch"}
	}

	nonceSize := s.encryptor.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, &IntegrityError{Reason: "ciphertext shorter than nonce"}
	}

	key, err := s.keys.DeriveKey(keyRef)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	compressed, err := s.encryptor.Decrypt(key, ciphertext[:nonceSize], ciphertext[nonceSize:])
	if err != nil {
		return nil, &IntegrityError{Reason: fmt.Sprintf("authentication failed: %v", err)}
	}

	plaintext, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, &IntegrityError{Reason: fmt.Sprintf("decompression failed: %v", err)}
	}
	return plaintext, nil
}
