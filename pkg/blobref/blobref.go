package blobref

import (
	"fmt"
	"strconv"
	"strings"
)

// containerSuffix marks the storage key of a container blob. The suffix is
// both the logical discriminator and what makes listing containers a suffix
// scan instead of a full key read.
const containerSuffix = "_"

// BlobRef is the compound identity of a stored blob: the content hash, the
// uncompressed leaf size and whether the bytes at the key are a manifest.
// The canonical string form doubles as the storage key:
//
//	{hex32}-{size}    leaf
//	{hex32}-{size}_   container
type BlobRef struct {
	Hash      ContentHash
	Size      uint64
	Container bool
}

// NewLeaf builds a leaf BlobRef. Size zero is rejected: empty content is
// never stored, it is synthesized by entry type instead.
func NewLeaf(hash ContentHash, size uint64) (BlobRef, error) {
	return newRef(hash, size, false)
}

// NewContainer builds a container BlobRef.
func NewContainer(hash ContentHash, size uint64) (BlobRef, error) {
	return newRef(hash, size, true)
}

func newRef(hash ContentHash, size uint64, container bool) (BlobRef, error) {
	if size == 0 {
		return BlobRef{}, fmt.Errorf("blob ref size must be positive")
	}
	return BlobRef{Hash: hash, Size: size, Container: container}, nil
}

// ForBytes hashes data and returns its leaf ref.
func ForBytes(data []byte) (BlobRef, error) {
	return NewLeaf(HashBytes(data), uint64(len(data)))
}

func (r BlobRef) String() string {
	var sb strings.Builder
	sb.Grow(HexSize + 1 + 20 + 1)
	sb.WriteString(r.Hash.String())
	sb.WriteByte('-')
	sb.WriteString(strconv.FormatUint(r.Size, 10))
	if r.Container {
		sb.WriteString(containerSuffix)
	}
	return sb.String()
}

// Key is the storage key for this ref. Identical to String; named for intent
// at storage call sites.
func (r BlobRef) Key() string {
	return r.String()
}

// IsZero reports whether r is the zero value.
func (r BlobRef) IsZero() bool {
	return r == BlobRef{}
}

// Parse is the strict inverse of String.
func Parse(s string) (BlobRef, error) {
	container := false
	if strings.HasSuffix(s, containerSuffix) {
		container = true
		s = s[:len(s)-1]
	}
	dash := strings.IndexByte(s, '-')
	if dash != HexSize {
		return BlobRef{}, fmt.Errorf("malformed blob ref %q", s)
	}
	hash, err := ParseContentHash(s[:dash])
	if err != nil {
		return BlobRef{}, err
	}
	sizePart := s[dash+1:]
	if len(sizePart) == 0 || sizePart[0] == '+' || sizePart[0] == '0' {
		return BlobRef{}, fmt.Errorf("malformed blob ref size %q", sizePart)
	}
	size, err := strconv.ParseUint(sizePart, 10, 64)
	if err != nil {
		return BlobRef{}, fmt.Errorf("malformed blob ref size %q: %w", sizePart, err)
	}
	if size == 0 {
		return BlobRef{}, fmt.Errorf("blob ref size must be positive")
	}
	return BlobRef{Hash: hash, Size: size, Container: container}, nil
}

// IsContainerKey reports whether a raw storage key names a container.
func IsContainerKey(key string) bool {
	return strings.HasSuffix(key, containerSuffix)
}
