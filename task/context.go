package task

import (
	"context"

	"github.com/pkg/errors"
)

// taskContext is the Context handed to lifecycle callbacks. Subtasks it
// creates inherit the task's tenant and are linked through parent_id.
type taskContext struct {
	store *Store
	task  *Task
}

var _ Context = (*taskContext)(nil)

func newTaskContext(store *Store, t *Task) *taskContext {
	return &taskContext{store: store, task: t}
}

func (tc *taskContext) TaskID() string {
	return tc.task.ID
}

func (tc *taskContext) TenantID() string {
	return tc.task.TenantID
}

func (tc *taskContext) Input() []byte {
	return tc.task.Input
}

func (tc *taskContext) CreateSubtask(ctx context.Context, taskType string, input any, priority int) (string, error) {
	return tc.store.Submit(ctx, SubmitRequest{
		TenantID: tc.task.TenantID,
		ParentID: tc.task.ID,
		Type:     taskType,
		Input:    input,
		Priority: priority,
	})
}

func (tc *taskContext) SubtaskResult(ctx context.Context, subtaskID string) ([]byte, error) {
	child, err := tc.subtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if child.Status != StatusComplete {
		return nil, errors.Wrapf(ErrSubtaskNotComplete, "subtask %s is %s", subtaskID, child.Status)
	}
	return child.Output, nil
}

func (tc *taskContext) SubtaskError(ctx context.Context, subtaskID string) (*Error, error) {
	child, err := tc.subtask(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if child.Status != StatusDead {
		return nil, nil
	}
	terr := &Error{}
	if err := json.Unmarshal(child.Output, terr); err != nil {
		return &Error{Message: string(child.Output)}, nil
	}
	return terr, nil
}

func (tc *taskContext) CompletedSubtasks(ctx context.Context) ([]string, error) {
	rows, err := tc.store.db.QueryContext(ctx, `
		SELECT id FROM task WHERE parent_id = ? AND status = 'COMPLETE' ORDER BY created_at ASC`,
		tc.task.ID)
	if err != nil {
		return nil, errors.Wrap(err, "listing completed subtasks")
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (tc *taskContext) subtask(ctx context.Context, subtaskID string) (*Task, error) {
	child, err := tc.store.Get(ctx, subtaskID)
	if err != nil {
		return nil, err
	}
	if child.ParentID != tc.task.ID {
		return nil, errors.Wrapf(ErrTaskNotFound, "task %s is not a subtask of %s", subtaskID, tc.task.ID)
	}
	return child, nil
}
