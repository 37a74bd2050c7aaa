// Package manifest defines the container recipe: the structured record that
// is the entire contents of a container blob. Given a container BlobRef and
// object storage alone, the manifest names every child in order with enough
// metadata to rebuild the original bytes.
package manifest

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/pkg/blobref"
)

// ErrManifestParse wraps any decode failure. The container blob is fatal at
// that point; tools may attempt rebuild from originating leaves.
var ErrManifestParse = fmt.Errorf("manifest parse error")

// EntryType discriminates what a manifest entry represents.
type EntryType int8

const (
	EntryTypeFile EntryType = iota
	EntryTypeDirectory
	EntryTypeSymlink
)

func (e EntryType) String() string {
	switch e {
	case EntryTypeFile:
		return "file"
	case EntryTypeDirectory:
		return "directory"
	case EntryTypeSymlink:
		return "symlink"
	}
	return fmt.Sprintf("unknown(%d)", int8(e))
}

// Entry is one child of a container, in extraction order.
type Entry struct {
	Path        string    `cbor:"1,keyasint"`
	Hash        []byte    `cbor:"2,keyasint,omitempty"`
	Size        uint64    `cbor:"3,keyasint,omitempty"`
	IsContainer bool      `cbor:"4,keyasint,omitempty"`
	Type        EntryType `cbor:"5,keyasint"`
	// MTimeMillis is milliseconds since epoch, zero when unknown.
	MTimeMillis int64 `cbor:"6,keyasint,omitempty"`
	// Metadata is the opaque format-specific blob the handler emitted for
	// this child; it is handed back verbatim on reconstruction.
	Metadata []byte `cbor:"7,keyasint,omitempty"`
}

// ChildRef derives the BlobRef of the entry's content. Directories have no
// content and return the zero ref with ok=false.
func (e *Entry) ChildRef() (blobref.BlobRef, bool, error) {
	if e.Type == EntryTypeDirectory || e.Size == 0 {
		return blobref.BlobRef{}, false, nil
	}
	hash, err := blobref.HashFromBytes(e.Hash)
	if err != nil {
		return blobref.BlobRef{}, false, err
	}
	var ref blobref.BlobRef
	if e.IsContainer {
		ref, err = blobref.NewContainer(hash, e.Size)
	} else {
		ref, err = blobref.NewLeaf(hash, e.Size)
	}
	return ref, err == nil, err
}

// MTime returns the entry mtime, or zero time when unknown.
func (e *Entry) MTime() time.Time {
	if e.MTimeMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(e.MTimeMillis).UTC()
}

// Manifest is the container recipe.
type Manifest struct {
	// Hash and Size identify the original container bytes, not the manifest
	// blob itself.
	Hash []byte `cbor:"1,keyasint"`
	Size uint64 `cbor:"2,keyasint"`

	// FormatKey selects the handler that can replay the entries.
	FormatKey string `cbor:"3,keyasint"`

	// Metadata is an optional format-global opaque blob.
	Metadata []byte `cbor:"4,keyasint,omitempty"`

	Entries []Entry `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// Marshal encodes m into the bytes stored at the container key.
func (m *Manifest) Marshal() ([]byte, error) {
	data, err := encMode.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encoding manifest")
	}
	return data, nil
}

// Unmarshal decodes a manifest blob.
func Unmarshal(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := decMode.Unmarshal(data, m); err != nil {
		return nil, errors.Wrapf(ErrManifestParse, "%v", err)
	}
	return m, nil
}

// ContainerRef derives the ref of the container this manifest describes.
func (m *Manifest) ContainerRef() (blobref.BlobRef, error) {
	hash, err := blobref.HashFromBytes(m.Hash)
	if err != nil {
		return blobref.BlobRef{}, err
	}
	return blobref.NewContainer(hash, m.Size)
}
