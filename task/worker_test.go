package task

import (
	"context"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoHandler struct {
	DefaultErrorPropagation
	NoResume
}

func (echoHandler) OnStart(_ context.Context, tc Context) Outcome {
	return Complete(map[string]string{"echo": string(tc.Input())})
}

// fanoutHandler spawns two subtasks on start and sums their outputs on resume.
type fanoutHandler struct {
	DefaultErrorPropagation
}

func (fanoutHandler) OnStart(ctx context.Context, tc Context) Outcome {
	var ids []string
	for _, in := range []string{"a", "b"} {
		id, err := tc.CreateSubtask(ctx, "test.echo", in, 0)
		if err != nil {
			return Failed(err)
		}
		ids = append(ids, id)
	}
	return Blocked(ids...)
}

func (fanoutHandler) OnResume(ctx context.Context, tc Context) Outcome {
	ids, err := tc.CompletedSubtasks(ctx)
	if err != nil {
		return Failed(err)
	}
	var outputs []string
	for _, id := range ids {
		out, err := tc.SubtaskResult(ctx, id)
		if err != nil {
			return Failed(err)
		}
		outputs = append(outputs, string(out))
	}
	return Complete(map[string]any{"children": outputs})
}

type doomedHandler struct {
	DefaultErrorPropagation
	NoResume
}

func (doomedHandler) OnStart(_ context.Context, _ Context) Outcome {
	return Failed(&Error{Message: "doomed from the start", Retryable: false})
}

type panicHandler struct {
	DefaultErrorPropagation
	NoResume
}

func (panicHandler) OnStart(_ context.Context, _ Context) Outcome {
	panic("handler bug")
}

// errorSwallowHandler completes anyway when a subtask dies.
type errorSwallowHandler struct{}

func (errorSwallowHandler) OnStart(ctx context.Context, tc Context) Outcome {
	id, err := tc.CreateSubtask(ctx, "test.doomed", nil, 0)
	if err != nil {
		return Failed(err)
	}
	return Blocked(id)
}

func (errorSwallowHandler) OnResume(_ context.Context, _ Context) Outcome {
	return Complete(map[string]string{"path": "resume"})
}

func (errorSwallowHandler) OnError(_ context.Context, _ Context, subtaskErr *Error) Outcome {
	return Complete(map[string]string{"recovered_from": subtaskErr.Message})
}

func startWorker(t *testing.T, s *Store) {
	t.Helper()

	w := NewWorker(s.cfg, s, s.registry, s.notifier, "test-node")
	require.NoError(t, services.StartAndAwaitRunning(context.Background(), w))
	t.Cleanup(func() {
		require.NoError(t, services.StopAndAwaitTerminated(context.Background(), w))
	})
}

func awaitStatus(t *testing.T, s *Store, id string, want Status) *Task {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.Get(context.Background(), id)
		require.NoError(t, err)
		if task.Status == want {
			return task
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, err := s.Get(context.Background(), id)
	require.NoError(t, err)
	t.Fatalf("task %s stuck in %s, wanted %s", id, task.Status, want)
	return nil
}

func TestWorkerExecutesTask(t *testing.T) {
	s, _ := testStore(t, func(r *Registry) {
		r.Register(TypeSpec{Type: "test.echo", Handler: echoHandler{}})
	})
	startWorker(t, s)

	id, err := s.Submit(context.Background(), SubmitRequest{TenantID: "t", Type: "test.echo", Input: "hello"})
	require.NoError(t, err)

	task := awaitStatus(t, s, id, StatusComplete)
	assert.JSONEq(t, `{"echo":"\"hello\""}`, string(task.Output))
}

func TestWorkerFanoutBlocksAndResumes(t *testing.T) {
	s, _ := testStore(t, func(r *Registry) {
		r.Register(TypeSpec{Type: "test.echo", Handler: echoHandler{}})
		r.Register(TypeSpec{Type: "test.fanout", Handler: fanoutHandler{}})
	})
	startWorker(t, s)

	id, err := s.Submit(context.Background(), SubmitRequest{TenantID: "t", Type: "test.fanout"})
	require.NoError(t, err)

	task := awaitStatus(t, s, id, StatusComplete)
	assert.Contains(t, string(task.Output), "children")
}

func TestWorkerRoutesSubtaskFailureToOnError(t *testing.T) {
	s, _ := testStore(t, func(r *Registry) {
		r.Register(TypeSpec{Type: "test.doomed", Handler: doomedHandler{}})
		r.Register(TypeSpec{Type: "test.swallow", Handler: errorSwallowHandler{}})
	})
	startWorker(t, s)

	id, err := s.Submit(context.Background(), SubmitRequest{TenantID: "t", Type: "test.swallow"})
	require.NoError(t, err)

	task := awaitStatus(t, s, id, StatusComplete)
	assert.Contains(t, string(task.Output), "doomed from the start")
}

func TestWorkerPropagatesSubtaskFailureByDefault(t *testing.T) {
	s, _ := testStore(t, func(r *Registry) {
		r.Register(TypeSpec{Type: "test.doomed", Handler: doomedHandler{}})
		r.Register(TypeSpec{Type: "test.fanout", Handler: fanoutDoomedHandler{}})
	})
	startWorker(t, s)

	id, err := s.Submit(context.Background(), SubmitRequest{TenantID: "t", Type: "test.fanout"})
	require.NoError(t, err)

	task := awaitStatus(t, s, id, StatusDead)
	assert.Contains(t, string(task.Output), "doomed from the start")
}

// fanoutDoomedHandler blocks on a subtask that always dies and keeps the
// default error propagation.
type fanoutDoomedHandler struct {
	DefaultErrorPropagation
	NoResume
}

func (fanoutDoomedHandler) OnStart(ctx context.Context, tc Context) Outcome {
	id, err := tc.CreateSubtask(ctx, "test.doomed", nil, 0)
	if err != nil {
		return Failed(err)
	}
	return Blocked(id)
}

func TestWorkerSurvivesPanickingHandler(t *testing.T) {
	s, _ := testStore(t, func(r *Registry) {
		r.Register(TypeSpec{Type: "test.panic", Handler: panicHandler{}})
		r.Register(TypeSpec{Type: "test.echo", Handler: echoHandler{}})
	})
	startWorker(t, s)

	bad, err := s.Submit(context.Background(), SubmitRequest{TenantID: "t", Type: "test.panic"})
	require.NoError(t, err)
	good, err := s.Submit(context.Background(), SubmitRequest{TenantID: "t", Type: "test.echo", Input: "still alive"})
	require.NoError(t, err)

	dead := awaitStatus(t, s, bad, StatusDead)
	assert.Contains(t, string(dead.Output), "panicked")
	awaitStatus(t, s, good, StatusComplete)
}
