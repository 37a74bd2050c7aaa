// Package ingest implements the event-driven decomposition pipeline: buffers
// are detected, containers are broken into children, leaves are dedup-gated
// into object storage and manifests are written when the last child of a
// container lands. Recursion over nested containers is a new event, never a
// deeper call stack.
package ingest

import (
	"time"

	"github.com/libragraph-com/vault/format"
	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/pkg/buffer"
)

// event is the tagged union dispatched to the executor.
type event interface{ eventName() string }

// ingestFile asks the pipeline to decompose one buffer. parent is nil for
// roots and for bonus ingests. A bonus ingest indexes the contents of a
// stored container without contributing to any enclosing recipe.
type ingestFile struct {
	taskID   string
	tenantID string
	buf      *buffer.Buffer
	filename string

	parent     *fanIn
	parentSlot int
	bonus      bool

	// the buffer's own entry in its parent container, empty for roots
	entryPath  string
	entryMTime time.Time
	entryMeta  []byte
}

func (ingestFile) eventName() string { return "ingest_file" }

// childDiscovered carries one extracted child toward storage, filling slot
// in the owning fan-in when it resolves.
type childDiscovered struct {
	child format.Child
	fan   *fanIn
	slot  int
}

func (childDiscovered) eventName() string { return "child_discovered" }

// allChildrenComplete fires when a fan-in's counter reaches zero; its handler
// writes the manifest.
type allChildrenComplete struct {
	fan *fanIn
}

func (allChildrenComplete) eventName() string { return "all_children_complete" }

// ObjectCreated is the advisory notification emitted after a blob is written
// to object storage.
type ObjectCreated struct {
	TenantID  string
	Ref       blobref.BlobRef
	BlobRefID int64
	BlobID    int64
	MimeType  string
}
