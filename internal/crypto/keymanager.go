package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

// KeyManager derives per-backup keys from a master key. Callers hold only
// the opaque key reference; key material never appears in records or logs.
type KeyManager struct {
	masterKey   []byte
	keyCache    map[string]*cachedKey
	cacheMu     sync.RWMutex
	cacheMaxAge time.Duration
	caching     bool
}

type cachedKey struct {
	key       []byte
	derivedAt time.Time
}

// KeyManagerConfig configures the key manager
type KeyManagerConfig struct {
	MasterKey     []byte        // 32-byte master key
	MasterKeyHex  string        // Alternative: hex-encoded master key
	CacheMaxAge   time.Duration // How long to cache derived keys
	EnableCaching bool          // Whether to cache derived keys
}

// DefaultKeyManagerConfig returns sensible defaults
func DefaultKeyManagerConfig() *KeyManagerConfig {
	return &KeyManagerConfig{
		CacheMaxAge:   1 * time.Hour,
		EnableCaching: true,
	}
}

// NewKeyManager creates a new key manager
func NewKeyManager(config *KeyManagerConfig) (*KeyManager, error) {
	if config == nil {
		config = DefaultKeyManagerConfig()
	}

	var masterKey []byte
	switch {
	case config.MasterKey != nil:
		masterKey = config.MasterKey
	case config.MasterKeyHex != "":
		var err error
		masterKey, err = hex.DecodeString(config.MasterKeyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid master key hex: %w", err)
		}
	default:
		return nil, fmt.Errorf("master key required: set MasterKey or MasterKeyHex")
	}

	if len(masterKey) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(masterKey))
	}

	return &KeyManager{
		masterKey:   masterKey,
		keyCache:    make(map[string]*cachedKey),
		cacheMaxAge: config.CacheMaxAge,
		caching:     config.EnableCaching,
	}, nil
}

// DeriveKey derives a 32-byte key for the given opaque reference using
// HKDF-SHA256. The same reference always yields the same key.
func (km *KeyManager) DeriveKey(keyRef string) ([]byte, error) {
	if keyRef == "" {
		return nil, fmt.Errorf("key reference required")
	}

	if km.caching {
		km.cacheMu.RLock()
		if ck, ok := km.keyCache[keyRef]; ok && time.Since(ck.derivedAt) < km.cacheMaxAge {
			key := make([]byte, len(ck.key))
			copy(key, ck.key)
			km.cacheMu.RUnlock()
			return key, nil
		}
		km.cacheMu.RUnlock()
	}

	r := hkdf.New(sha256.New, km.masterKey, nil, []byte("bastion-backup:"+keyRef))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}

	if km.caching {
		km.cacheMu.Lock()
		km.keyCache[keyRef] = &cachedKey{key: append([]byte(nil), key...), derivedAt: time.Now()}
		km.cacheMu.Unlock()
	}
	return key, nil
}
