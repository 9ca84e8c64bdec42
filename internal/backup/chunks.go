package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/restic/chunker"
	"go.uber.org/zap"

	"github.com/FairForge/bastion/internal/crypto"
	"github.com/FairForge/bastion/internal/storage"
)

// chunkerPolynomial is fixed so chunk boundaries are stable across runs,
// which is what makes deduplication work.
const chunkerPolynomial = chunker.Pol(0x3DA3358B4DC173)

// ChunkRef identifies one content-defined chunk of an incremental backup.
// Hash is the hex SHA-256 of the chunk plaintext and doubles as the storage
// key, so identical chunks are uploaded once.
type ChunkRef struct {
	Hash   string `json:"hash"`
	Length int    `json:"length"`
}

// ChunkStore persists encrypted chunks for incremental backups.
type ChunkStore struct {
	gateway   *storage.Gateway
	enc       *crypto.Service
	container string
	logger    *zap.Logger
}

// NewChunkStore creates a chunk store writing under container/chunks/.
func NewChunkStore(gateway *storage.Gateway, enc *crypto.Service, container string, logger *zap.Logger) *ChunkStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChunkStore{gateway: gateway, enc: enc, container: container, logger: logger}
}

func (cs *ChunkStore) chunkKey(comp Component, hash string) string {
	return fmt.Sprintf("chunks/%s/%s", comp, hash)
}

// Store splits data into content-defined chunks and uploads the ones not
// already present. It returns the ordered manifest needed to reassemble.
// Each chunk is sealed under a key derived from its own content hash, so a
// chunk written during one backup decrypts for every later backup that
// references it.
func (cs *ChunkStore) Store(ctx context.Context, comp Component, data []byte) ([]ChunkRef, error) {
	ch := chunker.New(bytes.NewReader(data), chunkerPolynomial)
	buf := make([]byte, chunker.MaxSize)

	var refs []ChunkRef
	uploaded := 0
	for {
		chunk, err := ch.Next(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chunk data: %w", err)
		}

		sum := sha256.Sum256(chunk.Data)
		hash := hex.EncodeToString(sum[:])
		refs = append(refs, ChunkRef{Hash: hash, Length: len(chunk.Data)})

		key := cs.chunkKey(comp, hash)
		exists, err := cs.gateway.Exists(ctx, cs.container, key)
		if err != nil {
			return nil, fmt.Errorf("check chunk %s: %w", hash[:12], err)
		}
		if exists {
			continue
		}

		encrypted, _, err := cs.enc.Encrypt(chunk.Data, hash)
		if err != nil {
			return nil, fmt.Errorf("encrypt chunk %s: %w", hash[:12], err)
		}
		if err := cs.gateway.Put(ctx, cs.container, key, bytes.NewReader(encrypted)); err != nil {
			return nil, fmt.Errorf("upload chunk %s: %w", hash[:12], err)
		}
		uploaded++
	}

	cs.logger.Debug("chunks stored",
		zap.String("component", string(comp)),
		zap.Int("total", len(refs)),
		zap.Int("uploaded", uploaded))
	return refs, nil
}

// Fetch downloads and reassembles the chunks in manifest order. Each chunk's
// plaintext hash is re-verified; a mismatch is an integrity failure, never
// silently returned data.
func (cs *ChunkStore) Fetch(ctx context.Context, comp Component, refs []ChunkRef) ([]byte, error) {
	var out bytes.Buffer
	for _, ref := range refs {
		encrypted, err := cs.gateway.GetBytes(ctx, cs.container, cs.chunkKey(comp, ref.Hash))
		if err != nil {
			return nil, fmt.Errorf("fetch chunk %s: %w", ref.Hash[:12], err)
		}

		// The AEAD authenticates the ciphertext; the content hash below is
		// the end-to-end check against the manifest.
		plain, err := cs.enc.Decrypt(encrypted, ref.Hash, crypto.Checksum(encrypted))
		if err != nil {
			return nil, fmt.Errorf("decrypt chunk %s: %w", ref.Hash[:12], err)
		}

		sum := sha256.Sum256(plain)
		if hex.EncodeToString(sum[:]) != ref.Hash {
			return nil, &crypto.IntegrityError{Reason: fmt.Sprintf("chunk %s content hash mismatch", ref.Hash[:12])}
		}
		out.Write(plain)
	}
	return out.Bytes(), nil
}

// Verify checks that every chunk in the manifest is present in storage.
func (cs *ChunkStore) Verify(ctx context.Context, comp Component, refs []ChunkRef) error {
	for _, ref := range refs {
		exists, err := cs.gateway.Exists(ctx, cs.container, cs.chunkKey(comp, ref.Hash))
		if err != nil {
			return fmt.Errorf("check chunk %s: %w", ref.Hash[:12], err)
		}
		if !exists {
			return fmt.Errorf("chunk %s missing from storage", ref.Hash[:12])
		}
	}
	return nil
}
