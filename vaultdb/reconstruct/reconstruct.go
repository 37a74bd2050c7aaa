// Package reconstruct rebuilds original container bytes from object storage:
// it walks the manifest at the container key, resolves every child
// (recursively for nested containers) and replays them through the format
// handler that decomposed them.
package reconstruct

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libragraph-com/vault/format"
	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/pkg/buffer"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

var metricReconstructed = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vault",
	Name:      "reconstructions_total",
	Help:      "Reconstruction attempts by result.",
}, []string{"result"})

// ErrNotReconstructable is returned for containers whose handler declared a
// tier below RECONSTRUCTABLE.
var ErrNotReconstructable = errors.New("container tier does not permit reconstruction")

type Reconstructor struct {
	store   backend.Store
	formats *format.Registry
}

func New(store backend.Store, formats *format.Registry) *Reconstructor {
	return &Reconstructor{store: store, formats: formats}
}

// Reconstruct streams the original bytes of ref to sink. Leaves are copied
// verbatim; containers are replayed through their handler. For the same
// manifest and the same leaf bytes the output is identical on every call.
func (r *Reconstructor) Reconstruct(ctx context.Context, tenantID string, ref blobref.BlobRef, sink io.Writer) (err error) {
	defer func() {
		result := "ok"
		if err != nil {
			result = "error"
		}
		metricReconstructed.WithLabelValues(result).Inc()
	}()

	if !ref.Container {
		data, err := r.store.Read(ctx, tenantID, ref)
		if err != nil {
			return err
		}
		_, err = sink.Write(data)
		return err
	}
	return r.reconstructContainer(ctx, tenantID, ref, sink)
}

func (r *Reconstructor) reconstructContainer(ctx context.Context, tenantID string, ref blobref.BlobRef, sink io.Writer) error {
	raw, err := r.store.Read(ctx, tenantID, ref)
	if err != nil {
		return errors.Wrapf(err, "loading manifest %s", ref.Key())
	}
	m, err := manifest.Unmarshal(raw)
	if err != nil {
		return err
	}

	factory, err := r.formats.Lookup(m.FormatKey)
	if err != nil {
		return err
	}
	handler := factory.New(nil, "")
	if tier := handler.Capabilities().Tier; tier != format.TierReconstructable {
		return errors.Wrapf(ErrNotReconstructable, "%s is %s", m.FormatKey, tier)
	}

	children := make([]format.Child, 0, len(m.Entries))
	for i := range m.Entries {
		entry := &m.Entries[i]
		child := format.Child{
			Path:       entry.Path,
			Type:       entry.Type,
			MTime:      entry.MTime(),
			FormatMeta: entry.Metadata,
		}

		childRef, ok, err := entry.ChildRef()
		if err != nil {
			return errors.Wrapf(err, "entry %s", entry.Path)
		}
		switch {
		case !ok && entry.Type == manifest.EntryTypeFile && entry.Size == 0:
			child.Content = buffer.FromBytes(nil)
		case !ok:
			// directory or symlink, nothing stored
		case childRef.Container:
			var b bytes.Buffer
			if err := r.reconstructContainer(ctx, tenantID, childRef, &b); err != nil {
				return errors.Wrapf(err, "nested container %s", entry.Path)
			}
			child.Content = buffer.FromBytes(b.Bytes())
		default:
			data, err := r.store.Read(ctx, tenantID, childRef)
			if err != nil {
				return errors.Wrapf(err, "leaf %s", entry.Path)
			}
			child.Content = buffer.FromBytes(data)
		}
		children = append(children, child)
	}

	return handler.Reconstruct(m.Metadata, children, sink)
}
