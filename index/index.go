// Package index is the relational side of the vault: the global blob
// registry, per-tenant ownership, the container/entry graph and the durable
// task queue all live in one SQLite database. The index is derived state;
// object storage is the source of truth and the rebuild task can repopulate
// every row here from storage alone.
package index

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver
	"github.com/pkg/errors"
)

type DB struct {
	db *sql.DB
}

// Open opens (creating if absent) the index database and applies the schema.
func Open(cfg *Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("index requires a database path")
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on&_txlock=immediate&_loc=UTC", cfg.Path)
	if cfg.Path == ":memory:" {
		// one shared in-memory database across all pool connections
		dsn = "file::memory:?mode=memory&cache=shared&_busy_timeout=5000&_foreign_keys=on&_loc=UTC"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening index database")
	}

	d := &DB{db: db}
	if err := d.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Handle exposes the underlying pool for packages that share this database,
// notably the task store.
func (d *DB) Handle() *sql.DB {
	return d.db
}

func (d *DB) applySchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "applying schema: %s", stmt)
		}
	}
	return nil
}
