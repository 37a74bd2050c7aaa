package backend

import (
	"context"
	"fmt"

	"github.com/libragraph-com/vault/pkg/blobref"
)

var (
	// ErrBlobNotFound is returned by reads and deletes of absent keys.
	ErrBlobNotFound = fmt.Errorf("blob does not exist")

	// ErrBlobAlreadyExists is returned by Create when the write-once check is
	// enabled and the key is present. Identical content maps to identical
	// keys, so hitting this is a programming error, not a race to tolerate.
	ErrBlobAlreadyExists = fmt.Errorf("blob already exists")

	ErrEmptyTenantID = fmt.Errorf("empty tenant id")
)

// Store is a tenant-scoped, write-once, content-addressed blob store.
// Callers always see uncompressed bytes; compression, if any, is the
// backend's concern and never leaks into keys.
type Store interface {
	// Read returns the bytes at ref's key. ErrBlobNotFound if absent.
	Read(ctx context.Context, tenantID string, ref blobref.BlobRef) ([]byte, error)

	// Create writes data at ref's key with create-new semantics. mimeHint is
	// advisory and may be ignored by the backend.
	Create(ctx context.Context, tenantID string, ref blobref.BlobRef, data []byte, mimeHint string) error

	// Exists reports whether ref's key is present for the tenant.
	Exists(ctx context.Context, tenantID string, ref blobref.BlobRef) (bool, error)

	// Delete removes ref's key. ErrBlobNotFound if absent.
	Delete(ctx context.Context, tenantID string, ref blobref.BlobRef) error

	// DeleteTenant removes every blob the tenant owns plus the tenant
	// container itself. Idempotent.
	DeleteTenant(ctx context.Context, tenantID string) error

	// Tenants lists all tenant ids known to the backend.
	Tenants(ctx context.Context) ([]string, error)

	// Containers lists the refs of all container blobs for the tenant,
	// i.e. only keys carrying the trailing underscore.
	Containers(ctx context.Context, tenantID string) ([]blobref.BlobRef, error)

	// Refs lists every ref the tenant owns, leaves included. This is the
	// full-scan primitive behind index rebuild.
	Refs(ctx context.Context, tenantID string) ([]blobref.BlobRef, error)

	Shutdown()
}
