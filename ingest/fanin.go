package ingest

import (
	"time"

	"go.uber.org/atomic"

	"github.com/libragraph-com/vault/format"
	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

// childResult is one resolved child, written into its fan-in slot. Directory
// and zero-byte entries carry no ref.
type childResult struct {
	path        string
	ref         blobref.BlobRef
	hasRef      bool
	blobRefID   int64
	isContainer bool
	entryType   manifest.EntryType
	mtime       time.Time
	formatMeta  []byte
}

// fanIn tracks one container while its children are in flight. Each child
// owns a distinct result slot; the atomic counter is the only synchronization
// point, and whoever decrements it to zero emits allChildrenComplete.
type fanIn struct {
	parent     *fanIn
	parentSlot int

	ref      blobref.BlobRef
	tenantID string
	taskID   string
	filename string
	bonus    bool
	tier     format.Tier

	formatKey string
	meta      []byte

	// the container's own entry in its parent
	path       string
	mtime      time.Time
	formatMeta []byte

	remaining *atomic.Int64
	results   []childResult
}

func newFanIn(childCount int) *fanIn {
	return &fanIn{
		remaining: atomic.NewInt64(int64(childCount)),
		results:   make([]childResult, childCount),
	}
}

// resolve stores the result for slot and reports whether it was the last
// outstanding child.
func (f *fanIn) resolve(slot int, r childResult) bool {
	f.results[slot] = r
	return f.remaining.Dec() == 0
}
