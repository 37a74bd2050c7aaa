package task

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libragraph-com/vault/index"
)

type nopHandler struct {
	DefaultErrorPropagation
	NoResume
}

func (nopHandler) OnStart(_ context.Context, _ Context) Outcome {
	return Complete(nil)
}

func testStore(t *testing.T, register func(*Registry)) (*Store, *ResourceDirectory) {
	t.Helper()

	idx, err := index.Open(&index.Config{Path: filepath.Join(t.TempDir(), "index.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	registry := NewRegistry()
	registry.Register(TypeSpec{Type: "test.nop", Handler: nopHandler{}})
	if register != nil {
		register(registry)
	}

	resources := NewResourceDirectory()
	cfg := &Config{
		WorkerCount:   2,
		PollInterval:  50 * time.Millisecond,
		ClaimLease:    5 * time.Minute,
		SweepInterval: 50 * time.Millisecond,
		MaxRetries:    3,
	}
	return NewStore(idx, registry, NewNotifier(), resources, cfg), resources
}

func TestSubmitAndGet(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "tenant", Type: "test.nop", Input: map[string]string{"storageKey": "abc"}})
	require.NoError(t, err)

	task, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, task.Status)
	assert.Equal(t, "tenant", task.TenantID)
	assert.JSONEq(t, `{"storageKey":"abc"}`, string(task.Input))
	assert.Empty(t, task.Executor)

	_, err = s.Get(ctx, "no-such-task")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	_, err = s.Submit(ctx, SubmitRequest{TenantID: "tenant", Type: "not.registered"})
	assert.Error(t, err)
}

func TestClaimOrdering(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	low, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop", Priority: 1})
	require.NoError(t, err)
	high, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop", Priority: 10})
	require.NoError(t, err)
	alsoHigh, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop", Priority: 10})
	require.NoError(t, err)

	first, err := s.Claim(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high, first.ID, "highest priority first")
	assert.Equal(t, StatusInProgress, first.Status)
	assert.Equal(t, "node-1", first.Executor)
	assert.False(t, first.ClaimedAt.IsZero())

	second, err := s.Claim(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, alsoHigh, second.ID, "FIFO within one priority")

	third, err := s.Claim(ctx, "node-1")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, low, third.ID)

	none, err := s.Claim(ctx, "node-1")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestConcurrentClaims(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	const tasks = 5
	const workers = 8

	for i := 0; i < tasks; i++ {
		_, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	claimed := map[string]int{}
	empty := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task, err := s.Claim(ctx, "node")
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if task == nil {
				empty++
				return
			}
			claimed[task.ID]++
		}(i)
	}
	wg.Wait()

	assert.Len(t, claimed, tasks, "exactly min(N, M) distinct tasks claimed")
	for id, n := range claimed {
		assert.Equal(t, 1, n, "task %s claimed more than once", id)
	}
	assert.Equal(t, workers-tasks, empty)
}

func TestCompleteReopensBlockedParent(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	parent, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)
	claimed, err := s.Claim(ctx, "node")
	require.NoError(t, err)
	require.Equal(t, parent, claimed.ID)

	childA, err := s.Submit(ctx, SubmitRequest{TenantID: "t", ParentID: parent, Type: "test.nop"})
	require.NoError(t, err)
	childB, err := s.Submit(ctx, SubmitRequest{TenantID: "t", ParentID: parent, Type: "test.nop"})
	require.NoError(t, err)

	require.NoError(t, s.Block(ctx, parent, []string{childA, childB}))
	blocked, err := s.Get(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, StatusBlocked, blocked.Status)

	// drain and complete both children
	for i := 0; i < 2; i++ {
		child, err := s.Claim(ctx, "node")
		require.NoError(t, err)
		require.NotNil(t, child)
		require.NoError(t, s.Complete(ctx, child.ID, map[string]int{"n": i}))
	}

	reopened, err := s.Get(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, reopened.Status, "parent reopens when last dependency completes")
}

func TestBlockOnAlreadyCompleteChildren(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	parent, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "node")
	require.NoError(t, err)

	child, err := s.Submit(ctx, SubmitRequest{TenantID: "t", ParentID: parent, Type: "test.nop"})
	require.NoError(t, err)
	c, err := s.Claim(ctx, "node")
	require.NoError(t, err)
	require.Equal(t, child, c.ID)
	require.NoError(t, s.Complete(ctx, child, nil))

	require.NoError(t, s.Block(ctx, parent, []string{child}))

	got, err := s.Get(ctx, parent)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status, "blocking on completed children reopens immediately")
}

func TestFailRetryableGoesThroughErrorToOpen(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "node")
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, id, &Error{Message: "io timeout", Retryable: true}))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)

	reopened, _, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reopened)

	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, 1, got.RetryCount)
}

func TestFailExhaustedRetriesGoesDead(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)

	for attempt := 0; attempt < 4; attempt++ {
		claimed, err := s.Claim(ctx, "node")
		require.NoError(t, err)
		require.NotNil(t, claimed, "attempt %d", attempt)
		require.NoError(t, s.Fail(ctx, id, &Error{Message: "flaky", Retryable: true}))
		_, _, err = s.Sweep(ctx)
		require.NoError(t, err)
	}

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.Contains(t, string(got.Output), "flaky")
}

func TestFailPermanentGoesDeadImmediately(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "node")
	require.NoError(t, err)

	require.NoError(t, s.Fail(ctx, id, &Error{Message: "bad input", Retryable: false}))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.True(t, got.CompletedAt.After(time.Time{}))
}

func TestBackgroundLifecycle(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "node")
	require.NoError(t, err)

	require.NoError(t, s.MoveToBackground(ctx, id, "waiting on pipeline", time.Hour))
	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusBackground, got.Status)
	assert.True(t, got.ExpiresAt.After(time.Now()), "background tasks carry a future expiry")

	// an external actor completes it
	require.NoError(t, s.Complete(ctx, id, map[string]string{"done": "yes"}))
	got, err = s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.True(t, got.ExpiresAt.IsZero())
}

func TestBackgroundExpiry(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "node")
	require.NoError(t, err)
	require.NoError(t, s.MoveToBackground(ctx, id, "will never finish", -time.Second))

	_, expired, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, expired)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusDead, got.Status)
	assert.Contains(t, string(got.Output), "expired")
}

func TestSweepReclaimsStaleClaims(t *testing.T) {
	s, _ := testStore(t, nil)
	s.cfg.ClaimLease = 10 * time.Millisecond
	ctx := context.Background()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)
	_, err = s.Claim(ctx, "crashed-node")
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	reopened, _, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, reopened)

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Empty(t, got.Executor)
}

func TestResourceGating(t *testing.T) {
	s, resources := testStore(t, func(r *Registry) {
		r.Register(TypeSpec{
			Type:      "test.gated",
			Handler:   nopHandler{},
			Resources: []ResourceRequirement{{Name: "search-index"}},
		})
	})
	ctx := context.Background()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.gated"})
	require.NoError(t, err)

	// resource not advertised: task stays OPEN
	claimed, err := s.Claim(ctx, "node")
	require.NoError(t, err)
	assert.Nil(t, claimed)

	resources.Advertise("search-index", 0)
	claimed, err = s.Claim(ctx, "node")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, id, claimed.ID)

	// retraction makes further gated tasks unclaimable
	resources.Retract("search-index")
	_, err = s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.gated"})
	require.NoError(t, err)
	claimed, err = s.Claim(ctx, "node")
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestResourceMaxConcurrency(t *testing.T) {
	s, resources := testStore(t, func(r *Registry) {
		r.Register(TypeSpec{
			Type:      "test.serial",
			Handler:   nopHandler{},
			Resources: []ResourceRequirement{{Name: "exclusive-service"}},
		})
	})
	ctx := context.Background()
	resources.Advertise("exclusive-service", 1)

	first, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.serial"})
	require.NoError(t, err)
	_, err = s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.serial"})
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, "node")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, first, claimed.ID)

	// while one holder is IN_PROGRESS, the second is not claimable
	second, err := s.Claim(ctx, "node")
	require.NoError(t, err)
	assert.Nil(t, second, "max_concurrency=1 must serialize")

	require.NoError(t, s.Complete(ctx, first, nil))

	second, err = s.Claim(ctx, "node")
	require.NoError(t, err)
	assert.NotNil(t, second, "next task claimable after completion")
}

func TestCancel(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)
	require.NoError(t, s.Cancel(ctx, id))

	got, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	// terminal states are final
	assert.Error(t, s.Cancel(ctx, id))
	assert.Error(t, s.Complete(ctx, id, nil))
}

func TestNotifierSignalsAvailability(t *testing.T) {
	s, _ := testStore(t, nil)
	ctx := context.Background()

	available := s.notifier.SubscribeAvailable()
	completed := s.notifier.SubscribeCompleted()

	id, err := s.Submit(ctx, SubmitRequest{TenantID: "t", Type: "test.nop"})
	require.NoError(t, err)
	select {
	case <-available:
	case <-time.After(time.Second):
		t.Fatal("expected availability notification on submit")
	}

	_, err = s.Claim(ctx, "node")
	require.NoError(t, err)
	require.NoError(t, s.Complete(ctx, id, nil))
	select {
	case doneID := <-completed:
		assert.Equal(t, id, doneID)
	case <-time.After(time.Second):
		t.Fatal("expected completion notification")
	}
}
