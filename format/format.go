// Package format defines the pluggable container-format abstraction: a
// detection registry selects a handler for a candidate buffer, and the
// handler decomposes it into children or replays children back into the
// original bytes.
package format

import (
	"fmt"
	"io"
	"time"

	"github.com/libragraph-com/vault/pkg/buffer"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

// ErrNoHandler is returned when a manifest names a format key that no
// registered factory claims.
var ErrNoHandler = fmt.Errorf("no handler for format")

// Tier declares what a handler can promise about reconstruction.
type Tier int

const (
	// TierReconstructable means the original bytes are derivable from the
	// children plus the manifest. Only leaves and the manifest are stored.
	TierReconstructable Tier = iota

	// TierStored means the original cannot be rebuilt. The whole container is
	// stored as a leaf and the decomposition is kept for indexing only.
	TierStored

	// TierContentsOnly means the contents are extracted and the envelope is
	// discarded.
	TierContentsOnly
)

func (t Tier) String() string {
	switch t {
	case TierReconstructable:
		return "RECONSTRUCTABLE"
	case TierStored:
		return "STORED"
	case TierContentsOnly:
		return "CONTENTS_ONLY"
	}
	return fmt.Sprintf("unknown(%d)", int(t))
}

// Capabilities describes a container handler. Only meaningful when
// HasChildren is true.
type Capabilities struct {
	Tier Tier

	PreservesTimestamps  bool
	PreservesPermissions bool
	PreservesOrder       bool
}

// Child is one entry of a container, in extraction order. Content is nil for
// synthetic entries such as directories. FormatMeta is opaque to everything
// but the emitting handler; it is stored in the manifest entry and handed
// back verbatim on reconstruction.
type Child struct {
	Path       string
	Content    *buffer.Buffer
	Type       manifest.EntryType
	MTime      time.Time
	FormatMeta []byte
}

// Extraction is the result of decomposing a container: its children plus an
// optional format-global metadata blob stored in the manifest.
type Extraction struct {
	Children []Child
	Meta     []byte
}

// Handler decomposes one buffer, or replays a decomposition.
type Handler interface {
	// HasChildren discriminates leaf from container.
	HasChildren() bool

	// Compressible is an advisory hint to the storage backend.
	Compressible() bool

	// Capabilities is only meaningful when HasChildren is true.
	Capabilities() Capabilities

	// Children extracts the container's entries in order.
	Children() (*Extraction, error)

	// Reconstruct replays children into sink. Required only for
	// TierReconstructable; for the same meta, children and content the output
	// bytes are identical on every call.
	Reconstruct(meta []byte, children []Child, sink io.Writer) error

	// Metadata returns advisory key/value pairs for indexing.
	Metadata() map[string]string

	// Text returns an advisory plain-text rendering for indexing, ok=false
	// when none exists.
	Text() (string, bool)
}

// Magic is a byte pattern at a fixed offset.
type Magic struct {
	Offset int
	Bytes  []byte
}

// DetectionCriteria is how a factory claims candidate buffers. A magic match
// outranks a MIME match outranks an extension match; CatchAll matches
// everything at the lowest rank.
type DetectionCriteria struct {
	MIMETypes  []string
	Extensions []string
	Magic      []Magic
	Priority   int
	CatchAll   bool
}

// Factory instantiates handlers for one format.
type Factory interface {
	// Key is the stable format identifier recorded in manifests.
	Key() string

	Criteria() DetectionCriteria

	// New builds a handler over buf. buf may be nil when the handler is only
	// used to reconstruct.
	New(buf *buffer.Buffer, filename string) Handler
}
