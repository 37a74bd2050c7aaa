package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/backend/instrumentation"
)

// Backend stores blobs as plain files, one per key, sharded two levels deep
// by hash prefix to keep directory fan-out bounded:
//
//	{root}/{tenantID}/{hash[0:2]}/{hash[2:4]}/{key}
//
// Blobs are stored as-is, uncompressed, for debuggability.
type Backend struct {
	cfg *Config
}

var _ backend.Store = (*Backend)(nil)

func New(cfg *Config) (*Backend, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("local backend requires a path")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating storage root")
	}
	return &Backend{cfg: cfg}, nil
}

func (b *Backend) Read(_ context.Context, tenantID string, ref blobref.BlobRef) (_ []byte, err error) {
	defer func(start time.Time) { instrumentation.Observe("read", start, err) }(time.Now())

	p, err := b.blobPath(tenantID, ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if os.IsNotExist(err) {
		return nil, backend.ErrBlobNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading blob %s", ref.Key())
	}
	return data, nil
}

func (b *Backend) Create(_ context.Context, tenantID string, ref blobref.BlobRef, data []byte, _ string) (err error) {
	defer func(start time.Time) { instrumentation.Observe("create", start, err) }(time.Now())

	p, err := b.blobPath(tenantID, ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return errors.Wrap(err, "creating shard directories")
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if b.cfg.WriteOnceCheck {
		flags = os.O_WRONLY | os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(p, flags, 0o644)
	if os.IsExist(err) {
		return backend.ErrBlobAlreadyExists
	}
	if err != nil {
		return errors.Wrapf(err, "creating blob %s", ref.Key())
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return errors.Wrapf(err, "writing blob %s", ref.Key())
	}
	return nil
}

func (b *Backend) Exists(_ context.Context, tenantID string, ref blobref.BlobRef) (_ bool, err error) {
	defer func(start time.Time) { instrumentation.Observe("exists", start, err) }(time.Now())

	p, err := b.blobPath(tenantID, ref)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(p)
	if os.IsNotExist(statErr) {
		return false, nil
	}
	if statErr != nil {
		return false, errors.Wrapf(statErr, "statting blob %s", ref.Key())
	}
	return true, nil
}

func (b *Backend) Delete(_ context.Context, tenantID string, ref blobref.BlobRef) (err error) {
	defer func(start time.Time) { instrumentation.Observe("delete", start, err) }(time.Now())

	p, err := b.blobPath(tenantID, ref)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if os.IsNotExist(err) {
			return backend.ErrBlobNotFound
		}
		return errors.Wrapf(err, "deleting blob %s", ref.Key())
	}

	// Prune now-empty shard directories, stopping at the tenant root.
	// Remove fails on non-empty directories, which is exactly the stop
	// condition we want.
	tenantRoot := filepath.Join(b.cfg.Path, tenantID)
	for dir := filepath.Dir(p); dir != tenantRoot; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

func (b *Backend) DeleteTenant(_ context.Context, tenantID string) (err error) {
	defer func(start time.Time) { instrumentation.Observe("delete_tenant", start, err) }(time.Now())

	if err := validTenantID(tenantID); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(b.cfg.Path, tenantID))
}

func (b *Backend) Tenants(_ context.Context) (_ []string, err error) {
	defer func(start time.Time) { instrumentation.Observe("tenants", start, err) }(time.Now())

	entries, err := os.ReadDir(b.cfg.Path)
	if err != nil {
		return nil, errors.Wrap(err, "listing tenants")
	}
	var tenants []string
	for _, e := range entries {
		if e.IsDir() {
			tenants = append(tenants, e.Name())
		}
	}
	return tenants, nil
}

func (b *Backend) Containers(_ context.Context, tenantID string) (_ []blobref.BlobRef, err error) {
	defer func(start time.Time) { instrumentation.Observe("containers", start, err) }(time.Now())

	return b.walkKeys(tenantID, true)
}

func (b *Backend) Refs(_ context.Context, tenantID string) (_ []blobref.BlobRef, err error) {
	defer func(start time.Time) { instrumentation.Observe("refs", start, err) }(time.Now())

	return b.walkKeys(tenantID, false)
}

func (b *Backend) walkKeys(tenantID string, containersOnly bool) ([]blobref.BlobRef, error) {
	if err := validTenantID(tenantID); err != nil {
		return nil, err
	}
	root := filepath.Join(b.cfg.Path, tenantID)
	if _, err := os.Stat(root); os.IsNotExist(err) {
		return nil, nil
	}

	var refs []blobref.BlobRef
	walkErr := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || (containersOnly && !blobref.IsContainerKey(d.Name())) {
			return nil
		}
		ref, err := blobref.Parse(d.Name())
		if err != nil {
			return errors.Wrapf(err, "unparseable key %s", path)
		}
		refs = append(refs, ref)
		return nil
	})
	if walkErr != nil {
		return nil, errors.Wrap(walkErr, "listing keys")
	}
	return refs, nil
}

func (b *Backend) Shutdown() {}

func (b *Backend) blobPath(tenantID string, ref blobref.BlobRef) (string, error) {
	if err := validTenantID(tenantID); err != nil {
		return "", err
	}
	hexHash := ref.Hash.String()
	return filepath.Join(b.cfg.Path, tenantID, hexHash[0:2], hexHash[2:4], ref.Key()), nil
}

func validTenantID(tenantID string) error {
	if tenantID == "" {
		return backend.ErrEmptyTenantID
	}
	if strings.ContainsAny(tenantID, `/\`) || strings.Contains(tenantID, "..") {
		return fmt.Errorf("invalid tenant id %q", tenantID)
	}
	return nil
}
