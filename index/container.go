package index

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EntryRow is one child of a container as persisted to the index.
type EntryRow struct {
	Path      string
	Type      string // file | directory | symlink
	BlobRefID int64  // zero when the entry has no stored content
	MTime     time.Time
	Metadata  string // JSON bag, empty when absent
}

// ContainerRow is one container with its persisted entries.
type ContainerRow struct {
	ID         int64
	BlobID     int64
	EntryCount int64
}

// InsertContainer creates the container row and batch-inserts its entries in
// one transaction. Containers and entries are created together as a unit and
// never mutated afterwards.
func (d *DB) InsertContainer(ctx context.Context, blobID int64, entries []EntryRow) (int64, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.Wrap(err, "beginning container insert")
	}
	defer func() { _ = tx.Rollback() }()

	var containerID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO container (blob_id, entry_count)
		VALUES (?, ?)
		ON CONFLICT (blob_id) DO UPDATE SET entry_count = excluded.entry_count
		RETURNING id`,
		blobID, len(entries),
	).Scan(&containerID)
	if err != nil {
		return 0, errors.Wrap(err, "inserting container row")
	}

	// idempotent re-creation: a retried ingest or rebuild replays the same
	// entries for the same container
	if _, err := tx.ExecContext(ctx, `DELETE FROM entry WHERE container_id = ?`, containerID); err != nil {
		return 0, errors.Wrap(err, "clearing stale entries")
	}

	const batchSize = 200
	for start := 0; start < len(entries); start += batchSize {
		end := start + batchSize
		if end > len(entries) {
			end = len(entries)
		}
		if err := insertEntryBatch(ctx, tx, containerID, entries[start:end]); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.Wrap(err, "committing container insert")
	}
	return containerID, nil
}

func insertEntryBatch(ctx context.Context, tx *sql.Tx, containerID int64, entries []EntryRow) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO entry (container_id, internal_path, entry_type, blob_ref_id, mtime, metadata) VALUES `)
	args := make([]any, 0, len(entries)*6)
	for i, e := range entries {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(?, ?, ?, ?, ?, ?)")

		var blobRefID any
		if e.BlobRefID != 0 {
			blobRefID = e.BlobRefID
		}
		var mtime any
		if !e.MTime.IsZero() {
			mtime = e.MTime.UTC()
		}
		var metadata any
		if e.Metadata != "" {
			metadata = e.Metadata
		}
		args = append(args, containerID, e.Path, e.Type, blobRefID, mtime, metadata)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return errors.Wrap(err, "inserting entry batch")
	}
	return nil
}

// LookupContainerByBlobID fetches a container row. sql.ErrNoRows if absent.
func (d *DB) LookupContainerByBlobID(ctx context.Context, blobID int64) (*ContainerRow, error) {
	c := &ContainerRow{}
	err := d.db.QueryRowContext(ctx, `
		SELECT id, blob_id, entry_count FROM container WHERE blob_id = ?`, blobID,
	).Scan(&c.ID, &c.BlobID, &c.EntryCount)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Entries returns a container's entries ordered by path.
func (d *DB) Entries(ctx context.Context, containerID int64) ([]EntryRow, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT internal_path, entry_type, blob_ref_id, mtime, metadata
		FROM entry
		WHERE container_id = ?
		ORDER BY internal_path ASC`, containerID)
	if err != nil {
		return nil, errors.Wrap(err, "querying entries")
	}
	defer rows.Close()

	var out []EntryRow
	for rows.Next() {
		var (
			e         EntryRow
			blobRefID sql.NullInt64
			mtime     sql.NullTime
			metadata  sql.NullString
		)
		if err := rows.Scan(&e.Path, &e.Type, &blobRefID, &mtime, &metadata); err != nil {
			return nil, errors.Wrap(err, "scanning entry")
		}
		e.BlobRefID = blobRefID.Int64
		if mtime.Valid {
			e.MTime = mtime.Time.UTC()
		}
		e.Metadata = metadata.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountRows is a test and operational helper returning row counts for the
// blob graph tables.
func (d *DB) CountRows(ctx context.Context) (map[string]int64, error) {
	counts := map[string]int64{}
	for _, table := range []string{"blob_ref", "blob", "container", "entry"} {
		var n int64
		if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
			return nil, err
		}
		counts[table] = n
	}
	return counts, nil
}
