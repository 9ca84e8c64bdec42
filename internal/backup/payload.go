package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

// Wire format: magic, uint32 header length, JSON header, encrypted payload,
// raw SHA-256 of the encrypted payload. The checksum trailer lets a reader
// detect tampering without attempting decryption.
var payloadMagic = []byte("BSTN1")

const checksumSize = sha256.Size

// Header declares what the encrypted payload contains. Key material is
// referenced, never embedded.
type Header struct {
	Component Component `json:"component"`
	Mode      Mode      `json:"mode"`
	KeyRef    string    `json:"key_ref"`
	CreatedAt time.Time `json:"created_at"`
	Chunked   bool      `json:"chunked,omitempty"`
}

// EncodePayload assembles the on-disk/on-wire backup artifact.
func EncodePayload(h Header, encrypted []byte) ([]byte, error) {
	hdr, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}

	var buf bytes.Buffer
	buf.Grow(len(payloadMagic) + 4 + len(hdr) + len(encrypted) + checksumSize)
	buf.Write(payloadMagic)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(hdr)))
	buf.Write(lenBuf[:])
	buf.Write(hdr)
	buf.Write(encrypted)
	sum := sha256.Sum256(encrypted)
	buf.Write(sum[:])
	return buf.Bytes(), nil
}

// DecodePayload parses an artifact and verifies the checksum trailer against
// the encrypted payload. A mismatch returns an error and no payload.
func DecodePayload(data []byte) (Header, []byte, error) {
	var h Header
	if len(data) < len(payloadMagic)+4 {
		return h, nil, fmt.Errorf("payload truncated: %d bytes", len(data))
	}
	if !bytes.Equal(data[:len(payloadMagic)], payloadMagic) {
		return h, nil, fmt.Errorf("bad payload magic")
	}
	data = data[len(payloadMagic):]

	hdrLen := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	// 64-bit compare: a forged hdrLen near MaxUint32 must not wrap past the
	// bound and slice out of range.
	if uint64(len(data)) < uint64(hdrLen)+checksumSize {
		return h, nil, fmt.Errorf("payload truncated after header")
	}
	if err := json.Unmarshal(data[:hdrLen], &h); err != nil {
		return h, nil, fmt.Errorf("unmarshal header: %w", err)
	}

	encrypted := data[hdrLen : len(data)-checksumSize]
	want := data[len(data)-checksumSize:]
	got := sha256.Sum256(encrypted)
	if !bytes.Equal(got[:], want) {
		return h, nil, fmt.Errorf("payload checksum mismatch")
	}
	return h, encrypted, nil
}
