// Package buffer provides an in-memory byte buffer with a lazily maintained
// content hash. Data can be appended or patched in place; the hash is fed
// incrementally and is invalidated by any mutation at or before the hashed
// watermark, then recomputed on the next query.
package buffer

import (
	"bytes"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/libragraph-com/vault/pkg/blobref"
)

type Buffer struct {
	data []byte

	hasher *blake3.Hasher
	hashed int // bytes of data already fed to hasher
}

func New() *Buffer {
	return &Buffer{hasher: blake3.New()}
}

// FromBytes wraps data without copying. The caller must not mutate data
// afterwards except through the Buffer.
func FromBytes(data []byte) *Buffer {
	return &Buffer{data: data, hasher: blake3.New()}
}

// FromReader drains r into a new Buffer.
func FromReader(r io.Reader) (*Buffer, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return FromBytes(data), nil
}

func (b *Buffer) Len() int {
	return len(b.data)
}

// Bytes returns the backing slice. Mutations through the returned slice are
// not tracked; use WriteAt.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Reader returns a fresh reader over the current contents.
func (b *Buffer) Reader() *bytes.Reader {
	return bytes.NewReader(b.data)
}

// Write appends p. Appends never invalidate the hash watermark.
func (b *Buffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	return len(p), nil
}

// WriteAt patches p at off, growing the buffer if needed. Writing at or
// before the hashed watermark discards incremental hash state.
func (b *Buffer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}
	end := int(off) + len(p)
	if end > len(b.data) {
		b.data = append(b.data, make([]byte, end-len(b.data))...)
	}
	copy(b.data[off:], p)
	if int(off) < b.hashed {
		b.hasher.Reset()
		b.hashed = 0
	}
	return len(p), nil
}

// Hash returns the ContentHash of the current contents, feeding only the
// unhashed tail into the incremental hasher.
func (b *Buffer) Hash() blobref.ContentHash {
	if b.hashed < len(b.data) {
		_, _ = b.hasher.Write(b.data[b.hashed:])
		b.hashed = len(b.data)
	}
	var ch blobref.ContentHash
	d := b.hasher.Digest()
	_, _ = d.Read(ch[:])
	return ch
}

// LeafRef returns the leaf BlobRef of the current contents.
func (b *Buffer) LeafRef() (blobref.BlobRef, error) {
	return blobref.NewLeaf(b.Hash(), uint64(len(b.data)))
}
