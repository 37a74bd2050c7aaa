package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	gkLog "github.com/go-kit/log"
	jsoniter "github.com/json-iterator/go"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/libragraph-com/vault/pkg/util/log"
)

var metricExecution = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "vault",
	Name:      "task_execution_duration_seconds",
	Help:      "Duration of task lifecycle callbacks.",
	Buckets:   prometheus.ExponentialBuckets(0.01, 4, 7),
}, []string{"type"})

// Worker is the claim-and-execute pool, a managed service. It runs
// cfg.WorkerCount claim loops plus the stale sweep, waking on notifications
// and falling back to polling.
type Worker struct {
	services.Service

	cfg      *Config
	store    *Store
	registry *Registry
	notifier *Notifier
	nodeID   string
	logger   gkLog.Logger

	wg sync.WaitGroup
}

func NewWorker(cfg *Config, store *Store, registry *Registry, notifier *Notifier, nodeID string) *Worker {
	w := &Worker{
		cfg:      cfg,
		store:    store,
		registry: registry,
		notifier: notifier,
		nodeID:   nodeID,
		logger:   gkLog.With(log.Logger, "component", "task-worker", "node", nodeID),
	}
	w.Service = services.NewBasicService(w.starting, w.running, w.stopping)
	return w
}

func (w *Worker) starting(_ context.Context) error {
	level.Info(w.logger).Log("msg", "starting task workers", "count", w.cfg.WorkerCount)
	return nil
}

func (w *Worker) running(ctx context.Context) error {
	for i := 0; i < w.cfg.WorkerCount; i++ {
		w.wg.Add(1)
		go w.claimLoop(ctx)
	}
	w.wg.Add(1)
	go w.sweepLoop(ctx)

	<-ctx.Done()
	w.wg.Wait()
	return nil
}

func (w *Worker) stopping(_ error) error {
	level.Info(w.logger).Log("msg", "task workers stopped")
	return nil
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.wg.Done()

	available := w.notifier.SubscribeAvailable()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-available:
		case <-ticker.C:
		}
	}
}

// drain claims and executes until nothing is claimable.
func (w *Worker) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		t, err := w.store.Claim(ctx, w.nodeID)
		if err != nil {
			level.Error(w.logger).Log("msg", "claim failed", "err", err)
			return
		}
		if t == nil {
			return
		}
		w.execute(ctx, t)
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reopened, expired, err := w.store.Sweep(ctx)
			if err != nil {
				level.Error(w.logger).Log("msg", "sweep failed", "err", err)
				continue
			}
			if reopened > 0 || expired > 0 {
				level.Info(w.logger).Log("msg", "sweep recovered tasks", "reopened", reopened, "expired", expired)
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, t *Task) {
	start := time.Now()
	defer func() {
		metricExecution.WithLabelValues(t.Type).Observe(time.Since(start).Seconds())
	}()

	spec, ok := w.registry.Lookup(t.Type)
	if !ok {
		w.applyOutcome(ctx, t, Failed(&Error{Message: fmt.Sprintf("no handler registered for task type %q", t.Type)}))
		return
	}

	outcome := w.invoke(ctx, spec.Handler, t)
	w.applyOutcome(ctx, t, outcome)
}

// invoke selects the lifecycle callback from the task's dependency history:
// a dead or cancelled child routes to OnError, prior dependencies to
// OnResume, a fresh task to OnStart. Panics collapse into failures.
func (w *Worker) invoke(ctx context.Context, handler Handler, t *Task) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(w.logger).Log("msg", "task callback panicked", "task", t.ID, "panic", r)
			outcome = Failed(&Error{Message: fmt.Sprintf("task callback panicked: %v", r)})
		}
	}()

	tc := newTaskContext(w.store, t)

	childErr, hasDeps, err := w.dependencyState(ctx, t.ID)
	if err != nil {
		return Failed(err)
	}
	switch {
	case childErr != nil:
		return handler.OnError(ctx, tc, childErr)
	case hasDeps:
		return handler.OnResume(ctx, tc)
	default:
		return handler.OnStart(ctx, tc)
	}
}

func (w *Worker) dependencyState(ctx context.Context, taskID string) (*Error, bool, error) {
	rows, err := w.store.db.QueryContext(ctx, `
		SELECT c.status, c.output
		FROM task_dependency d JOIN task c ON c.id = d.child_id
		WHERE d.parent_id = ?`, taskID)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	hasDeps := false
	for rows.Next() {
		hasDeps = true
		var status Status
		var output []byte
		if err := rows.Scan(&status, &output); err != nil {
			return nil, false, err
		}
		if status == StatusDead || status == StatusCancelled {
			terr := &Error{}
			if err := json.Unmarshal(output, terr); err != nil || terr.Message == "" {
				terr = &Error{Message: fmt.Sprintf("subtask ended %s", status)}
			}
			return terr, true, nil
		}
	}
	return nil, hasDeps, rows.Err()
}

func (w *Worker) applyOutcome(ctx context.Context, t *Task, o Outcome) {
	var err error
	switch o.kind {
	case outcomeComplete:
		var output any
		if len(o.output) > 0 {
			output = jsoniter.RawMessage(o.output)
		}
		err = w.store.Complete(ctx, t.ID, output)
	case outcomeBlocked:
		err = w.store.Block(ctx, t.ID, o.subtaskIDs)
	case outcomeBackground:
		err = w.store.MoveToBackground(ctx, t.ID, o.reason, o.timeout)
	case outcomeFailed:
		level.Warn(w.logger).Log("msg", "task failed", "task", t.ID, "type", t.Type, "err", o.err.Message, "retryable", o.err.Retryable)
		err = w.store.Fail(ctx, t.ID, o.err)
	}
	if err != nil {
		level.Error(w.logger).Log("msg", "applying task outcome failed", "task", t.ID, "err", err)
	}
}
