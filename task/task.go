// Package task implements the durable task scheduler: an eight-state queue
// persisted in the index database, claimed by worker pools with declarative
// resource constraints and recovered after crashes by a periodic sweep.
package task

import (
	"context"
	"fmt"
	"time"
)

// Status is the task state machine. Terminal states are final.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusBlocked    Status = "BLOCKED"
	StatusBackground Status = "BACKGROUND"
	StatusComplete   Status = "COMPLETE"
	StatusError      Status = "ERROR"
	StatusCancelled  Status = "CANCELLED"
	StatusDead       Status = "DEAD"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusCancelled, StatusDead:
		return true
	}
	return false
}

var (
	ErrTaskNotFound = fmt.Errorf("task not found")

	// ErrSubtaskNotComplete is returned when a subtask result is requested
	// before the subtask reached COMPLETE.
	ErrSubtaskNotComplete = fmt.Errorf("subtask not complete")
)

// Error is the serializable failure attached to ERROR and DEAD tasks.
type Error struct {
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *Error) Error() string {
	return e.Message
}

// Task is one row of the queue.
type Task struct {
	ID          string
	TenantID    string
	ParentID    string
	Type        string
	Status      Status
	Priority    int
	Input       []byte
	Output      []byte
	Retryable   bool
	RetryCount  int
	Executor    string
	CreatedAt   time.Time
	ClaimedAt   time.Time
	CompletedAt time.Time
	ExpiresAt   time.Time
}

// Context is the API a lifecycle callback uses to interact with the
// scheduler. Subtasks inherit the parent's tenant.
type Context interface {
	TaskID() string
	TenantID() string

	// Input is the raw JSON input bag of the task.
	Input() []byte

	CreateSubtask(ctx context.Context, taskType string, input any, priority int) (string, error)

	// SubtaskResult returns the output of a COMPLETE subtask.
	// ErrSubtaskNotComplete otherwise.
	SubtaskResult(ctx context.Context, subtaskID string) ([]byte, error)

	// SubtaskError returns the failure of a DEAD subtask, nil if the subtask
	// did not fail.
	SubtaskError(ctx context.Context, subtaskID string) (*Error, error)

	// CompletedSubtasks lists the ids of this task's COMPLETE subtasks.
	CompletedSubtasks(ctx context.Context) ([]string, error)
}

// Handler holds the lifecycle callbacks of one task type. Exactly one
// handler is registered per type string.
type Handler interface {
	// OnStart runs the first time a task is claimed.
	OnStart(ctx context.Context, tc Context) Outcome

	// OnResume runs when a BLOCKED task is re-opened because all blocking
	// subtasks completed.
	OnResume(ctx context.Context, tc Context) Outcome

	// OnError runs when a blocking subtask failed terminally.
	OnError(ctx context.Context, tc Context, subtaskErr *Error) Outcome
}

// DefaultErrorPropagation is the OnError behavior handlers embed when they
// have nothing smarter to do: re-propagate the subtask failure.
type DefaultErrorPropagation struct{}

func (DefaultErrorPropagation) OnError(_ context.Context, _ Context, subtaskErr *Error) Outcome {
	return Failed(subtaskErr)
}

// NoResume is embedded by handlers that never block on subtasks.
type NoResume struct{}

func (NoResume) OnResume(_ context.Context, tc Context) Outcome {
	return Failed(&Error{Message: fmt.Sprintf("task %s does not expect to be resumed", tc.TaskID())})
}
