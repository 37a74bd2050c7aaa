package blobref

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// HashSize is the number of bytes in a ContentHash. Hashes are BLAKE3
// truncated to 128 bits.
const HashSize = 16

// HexSize is the length of the lowercase hex serialization of a ContentHash.
const HexSize = HashSize * 2

// ContentHash identifies a stream of bytes. Two streams with equal hashes are
// treated as identical content everywhere in the system.
type ContentHash [HashSize]byte

// HashBytes computes the ContentHash of data.
func HashBytes(data []byte) ContentHash {
	h := blake3.New()
	_, _ = h.Write(data)
	return sumHash(h)
}

func sumHash(h *blake3.Hasher) ContentHash {
	var ch ContentHash
	d := h.Digest()
	_, _ = d.Read(ch[:])
	return ch
}

func (c ContentHash) String() string {
	return hex.EncodeToString(c[:])
}

// Bytes returns a copy of the raw 16 hash bytes.
func (c ContentHash) Bytes() []byte {
	b := make([]byte, HashSize)
	copy(b, c[:])
	return b
}

// ParseContentHash parses the 32 character lowercase hex form.
func ParseContentHash(s string) (ContentHash, error) {
	var ch ContentHash
	if len(s) != HexSize {
		return ch, fmt.Errorf("content hash must be %d hex chars, got %d", HexSize, len(s))
	}
	for _, r := range s {
		if r >= 'A' && r <= 'F' {
			return ch, fmt.Errorf("content hash must be lowercase hex: %q", s)
		}
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return ch, fmt.Errorf("invalid content hash %q: %w", s, err)
	}
	copy(ch[:], b)
	return ch, nil
}

// HashFromBytes builds a ContentHash from exactly 16 raw bytes.
func HashFromBytes(b []byte) (ContentHash, error) {
	var ch ContentHash
	if len(b) != HashSize {
		return ch, fmt.Errorf("content hash must be %d bytes, got %d", HashSize, len(b))
	}
	copy(ch[:], b)
	return ch, nil
}

// Equal reports structural equality.
func (c ContentHash) Equal(o ContentHash) bool {
	return bytes.Equal(c[:], o[:])
}
