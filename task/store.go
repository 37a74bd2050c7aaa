package task

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libragraph-com/vault/index"
)

var (
	metricSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Name:      "tasks_submitted_total",
		Help:      "Tasks submitted by type.",
	}, []string{"type"})
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Name:      "task_transitions_total",
		Help:      "Task state transitions.",
	}, []string{"to"})
	metricClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vault",
		Name:      "task_claims_total",
		Help:      "Claim attempts by result.",
	}, []string{"result"})
)

// Store is the durable task queue, persisted in the index database.
type Store struct {
	db        *sql.DB
	registry  *Registry
	notifier  *Notifier
	resources *ResourceDirectory
	cfg       *Config
}

func NewStore(idx *index.DB, registry *Registry, notifier *Notifier, resources *ResourceDirectory, cfg *Config) *Store {
	return &Store{
		db:        idx.Handle(),
		registry:  registry,
		notifier:  notifier,
		resources: resources,
		cfg:       cfg,
	}
}

// SubmitRequest describes a new task.
type SubmitRequest struct {
	TenantID string
	ParentID string
	Type     string
	Input    any
	Priority int
}

// Submit inserts an OPEN task together with its declared resource edges, in
// one transaction, and wakes the workers.
func (s *Store) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	spec, ok := s.registry.Lookup(req.Type)
	if !ok {
		return "", errors.Errorf("unknown task type %q", req.Type)
	}

	var input []byte
	if req.Input != nil {
		var err error
		input, err = json.Marshal(req.Input)
		if err != nil {
			return "", errors.Wrap(err, "marshalling task input")
		}
	}

	id := uuid.NewString()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", errors.Wrap(err, "beginning submit")
	}
	defer func() { _ = tx.Rollback() }()

	var parent any
	if req.ParentID != "" {
		parent = req.ParentID
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO task (id, tenant_id, parent_id, type, status, priority, input, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, req.TenantID, parent, req.Type, StatusOpen, req.Priority, nullable(input), time.Now().UTC())
	if err != nil {
		return "", errors.Wrap(err, "inserting task")
	}

	for _, res := range spec.Resources {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO task_resource (task_id, resource) VALUES (?, ?)`, id, res.Name); err != nil {
			return "", errors.Wrap(err, "inserting task resource edge")
		}
	}

	if err := tx.Commit(); err != nil {
		return "", errors.Wrap(err, "committing submit")
	}

	metricSubmitted.WithLabelValues(req.Type).Inc()
	s.notifier.NotifyAvailable()
	return id, nil
}

// Get fetches one task. ErrTaskNotFound if absent.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, ErrTaskNotFound
	}
	return t, err
}

const taskSelect = `
	SELECT id, tenant_id, parent_id, type, status, priority, input, output,
	       retryable, retry_count, executor, created_at, claimed_at, completed_at, expires_at
	FROM task`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		t                            Task
		parentID, executor           sql.NullString
		input, output                sql.NullString
		claimedAt, completedAt, expiresAt sql.NullTime
	)
	err := row.Scan(&t.ID, &t.TenantID, &parentID, &t.Type, &t.Status, &t.Priority,
		&input, &output, &t.Retryable, &t.RetryCount, &executor,
		&t.CreatedAt, &claimedAt, &completedAt, &expiresAt)
	if err != nil {
		return nil, err
	}
	t.ParentID = parentID.String
	t.Executor = executor.String
	t.Input = []byte(input.String)
	t.Output = []byte(output.String)
	t.CreatedAt = t.CreatedAt.UTC()
	if claimedAt.Valid {
		t.ClaimedAt = claimedAt.Time.UTC()
	}
	if completedAt.Valid {
		t.CompletedAt = completedAt.Time.UTC()
	}
	if expiresAt.Valid {
		t.ExpiresAt = expiresAt.Time.UTC()
	}
	return &t, nil
}

// Claim atomically hands the best claimable OPEN task to executor, or
// returns nil when nothing is claimable. A task is claimable when every
// resource it requires is advertised and below its concurrency limit.
// Ordering is priority DESC, created_at ASC. Racing claimants yield at most
// one winner per row.
func (s *Store) Claim(ctx context.Context, executor string) (*Task, error) {
	available, err := s.availableResources(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "beginning claim")
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT t.id FROM task t WHERE t.status = 'OPEN' AND t.executor IS NULL`
	var args []any
	if len(available) == 0 {
		query += ` AND NOT EXISTS (SELECT 1 FROM task_resource tr WHERE tr.task_id = t.id)`
	} else {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(available)), ", ")
		query += ` AND NOT EXISTS (
			SELECT 1 FROM task_resource tr
			WHERE tr.task_id = t.id AND tr.resource NOT IN (` + placeholders + `))`
		for _, name := range available {
			args = append(args, name)
		}
	}
	query += ` ORDER BY t.priority DESC, t.created_at ASC LIMIT 1`

	var id string
	err = tx.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		metricClaims.WithLabelValues("empty").Inc()
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, errors.Wrap(err, "selecting claim candidate")
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE task SET status = 'IN_PROGRESS', executor = ?, claimed_at = ?
		WHERE id = ? AND status = 'OPEN' AND executor IS NULL`,
		executor, time.Now().UTC(), id)
	if err != nil {
		return nil, errors.Wrap(err, "claiming task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// lost the race for this row
		metricClaims.WithLabelValues("lost").Inc()
		return nil, tx.Commit()
	}

	t, err := scanTask(tx.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id))
	if err != nil {
		return nil, errors.Wrap(err, "loading claimed task")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "committing claim")
	}
	metricClaims.WithLabelValues("claimed").Inc()
	metricTransitions.WithLabelValues(string(StatusInProgress)).Inc()
	return t, nil
}

// availableResources returns the advertised resources that are below their
// concurrency limit, counting currently IN_PROGRESS holders.
func (s *Store) availableResources(ctx context.Context) ([]string, error) {
	advertised := s.resources.Snapshot()
	if len(advertised) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT tr.resource, COUNT(*)
		FROM task t JOIN task_resource tr ON tr.task_id = t.id
		WHERE t.status = 'IN_PROGRESS'
		GROUP BY tr.resource`)
	if err != nil {
		return nil, errors.Wrap(err, "counting resource holders")
	}
	defer rows.Close()

	inProgress := map[string]int{}
	for rows.Next() {
		var name string
		var n int
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		inProgress[name] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var available []string
	for name, limit := range advertised {
		if limit == 0 || inProgress[name] < limit {
			available = append(available, name)
		}
	}
	return available, nil
}

// Complete finishes an IN_PROGRESS or BACKGROUND task and re-opens any
// BLOCKED parent whose last incomplete dependency this was.
func (s *Store) Complete(ctx context.Context, id string, output any) error {
	var raw []byte
	if output != nil {
		var err error
		raw, err = json.Marshal(output)
		if err != nil {
			return errors.Wrap(err, "marshalling task output")
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning complete")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE task SET status = 'COMPLETE', output = ?, completed_at = ?, expires_at = NULL
		WHERE id = ? AND status IN ('IN_PROGRESS', 'BACKGROUND')`,
		nullable(raw), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "completing task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(ctx, tx, id, StatusComplete)
	}

	reopened, err := s.resumeParents(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing complete")
	}

	metricTransitions.WithLabelValues(string(StatusComplete)).Inc()
	s.notifier.NotifyCompleted(id)
	if reopened > 0 {
		s.notifier.NotifyAvailable()
	}
	return nil
}

// Fail records a failure. Retryable failures rest in ERROR until the sweep
// returns them to OPEN; exhausted or permanent failures go DEAD and wake any
// BLOCKED parents so their OnError can run.
func (s *Store) Fail(ctx context.Context, id string, terr *Error) error {
	if terr == nil {
		terr = &Error{Message: "unknown failure"}
	}
	raw, err := json.Marshal(terr)
	if err != nil {
		return errors.Wrap(err, "marshalling task error")
	}

	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning fail")
	}
	defer func() { _ = tx.Rollback() }()

	if terr.Retryable && t.RetryCount < s.cfg.MaxRetries {
		res, err := tx.ExecContext(ctx, `
			UPDATE task SET status = 'ERROR', output = ?, retryable = 1, executor = NULL, expires_at = NULL
			WHERE id = ? AND status IN ('IN_PROGRESS', 'BACKGROUND')`,
			string(raw), id)
		if err != nil {
			return errors.Wrap(err, "marking task errored")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return s.transitionConflict(ctx, tx, id, StatusError)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		metricTransitions.WithLabelValues(string(StatusError)).Inc()
		return nil
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE task SET status = 'DEAD', output = ?, retryable = ?, executor = NULL,
		       completed_at = ?, expires_at = NULL
		WHERE id = ? AND status NOT IN ('COMPLETE', 'CANCELLED', 'DEAD')`,
		string(raw), terr.Retryable, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "marking task dead")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(ctx, tx, id, StatusDead)
	}

	// wake BLOCKED parents; at claim time they see the dead child and run
	// OnError
	reopened, err := s.reopenParents(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	metricTransitions.WithLabelValues(string(StatusDead)).Inc()
	if reopened > 0 {
		s.notifier.NotifyAvailable()
	}
	return nil
}

// Block parks a claimed task on its subtasks. If every listed subtask
// already completed the task re-opens immediately.
func (s *Store) Block(ctx context.Context, id string, subtaskIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning block")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE task SET status = 'BLOCKED', executor = NULL
		WHERE id = ? AND status = 'IN_PROGRESS'`, id)
	if err != nil {
		return errors.Wrap(err, "blocking task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return s.transitionConflict(ctx, tx, id, StatusBlocked)
	}

	for _, child := range subtaskIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependency (parent_id, child_id) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, id, child); err != nil {
			return errors.Wrap(err, "inserting dependency edge")
		}
	}

	// the children may all have finished while we were blocking
	var incomplete int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_dependency d
		JOIN task c ON c.id = d.child_id
		WHERE d.parent_id = ? AND c.status != 'COMPLETE'`, id).Scan(&incomplete)
	if err != nil {
		return errors.Wrap(err, "counting incomplete dependencies")
	}
	reopened := false
	if incomplete == 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE task SET status = 'OPEN' WHERE id = ? AND status = 'BLOCKED'`, id); err != nil {
			return errors.Wrap(err, "reopening unblocked task")
		}
		reopened = true
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	metricTransitions.WithLabelValues(string(StatusBlocked)).Inc()
	if reopened {
		s.notifier.NotifyAvailable()
	}
	return nil
}

// MoveToBackground suspends a claimed task until an external actor completes
// or fails it, or the deadline passes.
func (s *Store) MoveToBackground(ctx context.Context, id, reason string, timeout time.Duration) error {
	output, _ := json.Marshal(map[string]string{"background_reason": reason})
	res, err := s.db.ExecContext(ctx, `
		UPDATE task SET status = 'BACKGROUND', executor = NULL, expires_at = ?, output = ?
		WHERE id = ? AND status = 'IN_PROGRESS'`,
		time.Now().UTC().Add(timeout), string(output), id)
	if err != nil {
		return errors.Wrap(err, "moving task to background")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(ErrTaskNotFound, "task %s not in progress", id)
	}
	metricTransitions.WithLabelValues(string(StatusBackground)).Inc()
	return nil
}

// Cancel is an administrative action; callbacks are not invoked.
func (s *Store) Cancel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE task SET status = 'CANCELLED', executor = NULL, completed_at = ?
		WHERE id = ? AND status NOT IN ('COMPLETE', 'CANCELLED', 'DEAD')`,
		time.Now().UTC(), id)
	if err != nil {
		return errors.Wrap(err, "cancelling task")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return errors.Errorf("task %s already terminal", id)
	}
	metricTransitions.WithLabelValues(string(StatusCancelled)).Inc()
	return nil
}

// Sweep performs stale recovery:
//   - IN_PROGRESS rows claimed longer than the lease ago are presumed
//     crashed and returned to OPEN with an incremented retry count
//   - ERROR rows are returned to OPEN with an incremented retry count
//   - BACKGROUND rows past expiry go DEAD with a synthetic error
func (s *Store) Sweep(ctx context.Context) (reopened, expired int64, err error) {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE task SET status = 'OPEN', executor = NULL, claimed_at = NULL, retry_count = retry_count + 1
		WHERE status = 'IN_PROGRESS' AND claimed_at < ?`,
		now.Add(-s.cfg.ClaimLease))
	if err != nil {
		return 0, 0, errors.Wrap(err, "reopening stale claims")
	}
	n, _ := res.RowsAffected()
	reopened += n

	res, err = s.db.ExecContext(ctx, `
		UPDATE task SET status = 'OPEN', executor = NULL, claimed_at = NULL, retry_count = retry_count + 1
		WHERE status = 'ERROR'`)
	if err != nil {
		return 0, 0, errors.Wrap(err, "reopening errored tasks")
	}
	n, _ = res.RowsAffected()
	reopened += n

	rows, err := s.db.QueryContext(ctx, `SELECT id FROM task WHERE status = 'BACKGROUND' AND expires_at < ?`, now)
	if err != nil {
		return 0, 0, errors.Wrap(err, "finding expired background tasks")
	}
	var expiredIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, err
		}
		expiredIDs = append(expiredIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	for _, id := range expiredIDs {
		terr := &Error{Message: "background task expired", Retryable: false}
		if err := s.Fail(ctx, id, terr); err != nil {
			return reopened, expired, err
		}
		expired++
	}

	if reopened > 0 {
		s.notifier.NotifyAvailable()
	}
	return reopened, expired, nil
}

func (s *Store) resumeParents(ctx context.Context, tx *sql.Tx, childID string) (int, error) {
	rows, err := tx.QueryContext(ctx, `SELECT parent_id FROM task_dependency WHERE child_id = ?`, childID)
	if err != nil {
		return 0, errors.Wrap(err, "finding parents")
	}
	var parents []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, err
		}
		parents = append(parents, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reopened := 0
	for _, parent := range parents {
		var incomplete int
		err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM task_dependency d
			JOIN task c ON c.id = d.child_id
			WHERE d.parent_id = ? AND c.status != 'COMPLETE'`, parent).Scan(&incomplete)
		if err != nil {
			return 0, errors.Wrap(err, "counting incomplete dependencies")
		}
		if incomplete > 0 {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE task SET status = 'OPEN' WHERE id = ? AND status = 'BLOCKED'`, parent)
		if err != nil {
			return 0, errors.Wrap(err, "reopening parent")
		}
		if n, _ := res.RowsAffected(); n > 0 {
			reopened++
		}
	}
	return reopened, nil
}

func (s *Store) reopenParents(ctx context.Context, tx *sql.Tx, childID string) (int, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE task SET status = 'OPEN'
		WHERE status = 'BLOCKED' AND id IN (SELECT parent_id FROM task_dependency WHERE child_id = ?)`,
		childID)
	if err != nil {
		return 0, errors.Wrap(err, "reopening parents of failed child")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// transitionConflict distinguishes "no such task" from "task in the wrong
// state" when a guarded update matched no row.
func (s *Store) transitionConflict(ctx context.Context, tx *sql.Tx, id string, to Status) error {
	var status Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM task WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrTaskNotFound
	}
	if err != nil {
		return err
	}
	return errors.Errorf("cannot transition task %s from %s to %s", id, status, to)
}

func nullable(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
