package index

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// RegisterNode records this process instance. Node ids are used as the
// executor of task claims. Re-registration refreshes started_at.
func (d *DB) RegisterNode(ctx context.Context, nodeID, hostname string) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO node (id, hostname, started_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET hostname = excluded.hostname, started_at = excluded.started_at`,
		nodeID, hostname, time.Now().UTC())
	return errors.Wrapf(err, "registering node %s", nodeID)
}
