package index

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libragraph-com/vault/pkg/blobref"
)

var metricDedupGate = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "vault",
	Name:      "index_dedup_gate_total",
	Help:      "Dedup gate outcomes by shape.",
}, []string{"shape"})

// BlobRefRecord is one row of the global content registry.
type BlobRefRecord struct {
	ID        int64
	Hash      []byte
	Size      uint64
	Container bool
	MimeType  string
	FormatKey string
}

// GateResult is the outcome of the dedup gate for one (tenant, ref) pair.
type GateResult struct {
	// Exists is true when the content is already registered globally; the
	// caller must not write the blob to storage in that case.
	Exists    bool
	BlobRefID int64
	BlobID    int64
}

// UpsertBlobRef registers content in the global registry and returns the row
// id. First writer wins the mime-type and format-key hints; later upserts
// only fill NULLs.
func (d *DB) UpsertBlobRef(ctx context.Context, ref blobref.BlobRef, mimeType, formatKey string) (int64, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO blob_ref (hash, size, container, mime_type, format_key)
		VALUES (?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))
		ON CONFLICT (hash, size, container) DO UPDATE SET
			mime_type  = COALESCE(blob_ref.mime_type, excluded.mime_type),
			format_key = COALESCE(blob_ref.format_key, excluded.format_key)
		RETURNING id`,
		ref.Hash.Bytes(), int64(ref.Size), ref.Container, mimeType, formatKey,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "upserting blob_ref %s", ref.Key())
	}
	return id, nil
}

// EnsureBlob records tenant ownership of registered content and returns the
// blob row id. Concurrent races resolve to the same id.
func (d *DB) EnsureBlob(ctx context.Context, tenantID string, blobRefID int64) (int64, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, `
		INSERT INTO blob (tenant_id, blob_ref_id)
		VALUES (?, ?)
		ON CONFLICT (tenant_id, blob_ref_id) DO UPDATE SET tenant_id = blob.tenant_id
		RETURNING id`,
		tenantID, blobRefID,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrapf(err, "ensuring blob ownership for tenant %s", tenantID)
	}
	return id, nil
}

// Gate is the dedup gate. Three shapes:
//
//	(a) tenant already owns the content: Exists, nothing inserted
//	(b) content registered globally but not owned: Exists, blob row inserted
//	(c) new content: not Exists, blob_ref and blob rows inserted; the caller
//	    must write the bytes to storage
func (d *DB) Gate(ctx context.Context, tenantID string, ref blobref.BlobRef, mimeType, formatKey string) (GateResult, error) {
	var (
		refID  sql.NullInt64
		blobID sql.NullInt64
	)
	err := d.db.QueryRowContext(ctx, `
		SELECT br.id, b.id
		FROM blob_ref br
		LEFT JOIN blob b ON b.blob_ref_id = br.id AND b.tenant_id = ?
		WHERE br.hash = ? AND br.size = ? AND br.container = ?`,
		tenantID, ref.Hash.Bytes(), int64(ref.Size), ref.Container,
	).Scan(&refID, &blobID)

	switch {
	case err == sql.ErrNoRows:
		// shape (c)
		newRefID, err := d.UpsertBlobRef(ctx, ref, mimeType, formatKey)
		if err != nil {
			return GateResult{}, err
		}
		newBlobID, err := d.EnsureBlob(ctx, tenantID, newRefID)
		if err != nil {
			return GateResult{}, err
		}
		metricDedupGate.WithLabelValues("new").Inc()
		return GateResult{Exists: false, BlobRefID: newRefID, BlobID: newBlobID}, nil

	case err != nil:
		return GateResult{}, errors.Wrapf(err, "dedup gate lookup for %s", ref.Key())

	case blobID.Valid:
		// shape (a)
		metricDedupGate.WithLabelValues("owned").Inc()
		return GateResult{Exists: true, BlobRefID: refID.Int64, BlobID: blobID.Int64}, nil

	default:
		// shape (b)
		newBlobID, err := d.EnsureBlob(ctx, tenantID, refID.Int64)
		if err != nil {
			return GateResult{}, err
		}
		metricDedupGate.WithLabelValues("adopted").Inc()
		return GateResult{Exists: true, BlobRefID: refID.Int64, BlobID: newBlobID}, nil
	}
}

// LookupBlobRef fetches a registry row by identity. sql.ErrNoRows if absent.
func (d *DB) LookupBlobRef(ctx context.Context, ref blobref.BlobRef) (*BlobRefRecord, error) {
	rec := &BlobRefRecord{}
	var mime, format sql.NullString
	err := d.db.QueryRowContext(ctx, `
		SELECT id, hash, size, container, mime_type, format_key
		FROM blob_ref
		WHERE hash = ? AND size = ? AND container = ?`,
		ref.Hash.Bytes(), int64(ref.Size), ref.Container,
	).Scan(&rec.ID, &rec.Hash, &rec.Size, &rec.Container, &mime, &format)
	if err != nil {
		return nil, err
	}
	rec.MimeType = mime.String
	rec.FormatKey = format.String
	return rec, nil
}

// LookupBlobID returns the tenant's blob row id for ref. sql.ErrNoRows if
// the tenant does not own the content.
func (d *DB) LookupBlobID(ctx context.Context, tenantID string, ref blobref.BlobRef) (int64, error) {
	var id int64
	err := d.db.QueryRowContext(ctx, `
		SELECT b.id
		FROM blob b
		JOIN blob_ref br ON br.id = b.blob_ref_id
		WHERE b.tenant_id = ? AND br.hash = ? AND br.size = ? AND br.container = ?`,
		tenantID, ref.Hash.Bytes(), int64(ref.Size), ref.Container,
	).Scan(&id)
	return id, err
}

// TruncateTenant removes the tenant's entry, container and blob rows, then
// prunes registry rows that no tenant references anymore. Rows belonging to
// other tenants are untouched.
func (d *DB) TruncateTenant(ctx context.Context, tenantID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning truncate")
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`DELETE FROM entry WHERE container_id IN (
			SELECT c.id FROM container c JOIN blob b ON b.id = c.blob_id WHERE b.tenant_id = ?)`,
		`DELETE FROM container WHERE blob_id IN (
			SELECT id FROM blob WHERE tenant_id = ?)`,
		`DELETE FROM blob WHERE tenant_id = ?`,
		`DELETE FROM blob_ref WHERE id NOT IN (SELECT blob_ref_id FROM blob)
			AND id NOT IN (SELECT blob_ref_id FROM entry WHERE blob_ref_id IS NOT NULL)`,
	}
	for _, stmt := range stmts {
		args := []any{tenantID}
		if stmt == stmts[3] {
			args = nil
		}
		if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
			return errors.Wrap(err, "truncating tenant rows")
		}
	}
	return tx.Commit()
}
