package rebuild

import (
	"context"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/task"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TypeRebuild is the task type of an index rebuild. The tenant comes from the
// task itself.
const TypeRebuild = "vault.rebuild"

type Input struct {
	// Truncate drops the tenant's existing index rows before rebuilding.
	Truncate bool `json:"truncate"`
}

type TaskHandler struct {
	task.DefaultErrorPropagation
	task.NoResume

	rebuilder *Rebuilder
}

func NewTaskHandler(r *Rebuilder) *TaskHandler {
	return &TaskHandler{rebuilder: r}
}

func (h *TaskHandler) OnStart(ctx context.Context, tc task.Context) task.Outcome {
	var in Input
	if len(tc.Input()) > 0 {
		if err := json.Unmarshal(tc.Input(), &in); err != nil {
			return task.Failed(&task.Error{Message: errors.Wrap(err, "decoding rebuild input").Error()})
		}
	}
	stats, err := h.rebuilder.Rebuild(ctx, tc.TenantID(), in.Truncate)
	if err != nil {
		return task.Failed(err)
	}
	return task.Complete(stats)
}
