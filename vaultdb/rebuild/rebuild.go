// Package rebuild repopulates the relational index for one tenant from
// object storage alone. Storage is the source of truth; everything in the
// index is derivable from the keys, the blob bytes and the manifests.
package rebuild

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	gkLog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/libragraph-com/vault/format"
	"github.com/libragraph-com/vault/index"
	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/pkg/util/log"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

const defaultParallelism = 8

// Stats summarizes one rebuild run.
type Stats struct {
	Leaves     int `json:"leaves"`
	Containers int `json:"containers"`
	Entries    int `json:"entries"`
}

type Rebuilder struct {
	store       backend.Store
	idx         *index.DB
	formats     *format.Registry
	logger      gkLog.Logger
	parallelism int
}

func New(store backend.Store, idx *index.DB, formats *format.Registry) *Rebuilder {
	return &Rebuilder{
		store:       store,
		idx:         idx,
		formats:     formats,
		logger:      gkLog.With(log.Logger, "component", "rebuild"),
		parallelism: defaultParallelism,
	}
}

// Rebuild recreates the tenant's index rows in two passes: first every leaf
// blob is read back and registered (restoring the mime and format hints),
// then every manifest is loaded and its container and entry rows are
// recreated. With truncate set, existing rows for the tenant are dropped
// first.
func (r *Rebuilder) Rebuild(ctx context.Context, tenantID string, truncate bool) (Stats, error) {
	start := time.Now()
	var stats Stats

	if truncate {
		if err := r.idx.TruncateTenant(ctx, tenantID); err != nil {
			return stats, err
		}
	}

	refs, err := r.store.Refs(ctx, tenantID)
	if err != nil {
		return stats, errors.Wrapf(err, "scanning tenant %s", tenantID)
	}

	var leaves, containers []blobref.BlobRef
	for _, ref := range refs {
		if ref.Container {
			containers = append(containers, ref)
		} else {
			leaves = append(leaves, ref)
		}
	}

	// pass 1: leaves, read in parallel to re-derive the hints
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for _, ref := range leaves {
		g.Go(func() error {
			data, err := r.store.Read(gctx, tenantID, ref)
			if err != nil {
				return errors.Wrapf(err, "reading leaf %s", ref.Key())
			}
			mime, formatKey := r.classify(data)
			_, err = r.idx.Gate(gctx, tenantID, ref, mime, formatKey)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return stats, err
	}
	stats.Leaves = len(leaves)

	// pass 2: manifests; every container ref is registered before any entry
	// row references it
	manifests := make([]*manifest.Manifest, len(containers))
	blobIDs := make([]int64, len(containers))
	for i, ref := range containers {
		raw, err := r.store.Read(ctx, tenantID, ref)
		if err != nil {
			return stats, errors.Wrapf(err, "reading manifest %s", ref.Key())
		}
		m, err := manifest.Unmarshal(raw)
		if err != nil {
			return stats, errors.Wrapf(err, "manifest %s", ref.Key())
		}
		res, err := r.idx.Gate(ctx, tenantID, ref, "", m.FormatKey)
		if err != nil {
			return stats, err
		}
		manifests[i] = m
		blobIDs[i] = res.BlobID
	}

	for i, m := range manifests {
		entries := make([]index.EntryRow, 0, len(m.Entries))
		for j := range m.Entries {
			row, err := r.entryRow(ctx, &m.Entries[j])
			if err != nil {
				return stats, errors.Wrapf(err, "manifest %s", containers[i].Key())
			}
			entries = append(entries, row)
		}
		if _, err := r.idx.InsertContainer(ctx, blobIDs[i], entries); err != nil {
			return stats, err
		}
		stats.Entries += len(entries)
	}
	stats.Containers = len(containers)

	level.Info(r.logger).Log("msg", "index rebuilt", "tenant", tenantID,
		"leaves", stats.Leaves, "containers", stats.Containers, "entries", stats.Entries,
		"duration", time.Since(start))
	return stats, nil
}

func (r *Rebuilder) entryRow(ctx context.Context, entry *manifest.Entry) (index.EntryRow, error) {
	row := index.EntryRow{
		Path:  entry.Path,
		Type:  entry.Type.String(),
		MTime: entry.MTime(),
	}
	ref, ok, err := entry.ChildRef()
	if err != nil {
		return row, errors.Wrapf(err, "entry %s", entry.Path)
	}
	if !ok {
		return row, nil
	}
	rec, err := r.idx.LookupBlobRef(ctx, ref)
	if err == sql.ErrNoRows {
		return row, errors.Errorf("entry %s references unknown blob %s", entry.Path, ref.Key())
	}
	if err != nil {
		return row, err
	}
	row.BlobRefID = rec.ID
	return row, nil
}

// classify re-derives the advisory hints lost with the index: the sniffed
// mime type and the detected format key.
func (r *Rebuilder) classify(data []byte) (mime, formatKey string) {
	header := data
	if len(header) > 1024 {
		header = header[:1024]
	}
	mime = http.DetectContentType(header)
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	if f := r.formats.Detect(header, "", mime); f != nil {
		formatKey = f.Key()
	}
	return mime, formatKey
}
