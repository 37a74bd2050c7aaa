package ingest

import (
	"context"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/pkg/buffer"
	"github.com/libragraph-com/vault/task"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TypeIngest is the task type of a root ingest.
const TypeIngest = "vault.ingest"

// Input is the JSON input bag of an ingest task. Exactly one of Path and
// Data carries the bytes.
type Input struct {
	// Path is a file readable by the node executing the task.
	Path string `json:"path,omitempty"`

	// Data is the content inline, base64 in transit.
	Data []byte `json:"data,omitempty"`

	// Filename is the original name used for format detection; defaults to
	// the base of Path.
	Filename string `json:"filename,omitempty"`
}

// TaskHandler bridges the scheduler and the pipeline: it hands the buffer to
// the pipeline and parks the task in the background until the event tree
// resolves.
type TaskHandler struct {
	task.DefaultErrorPropagation
	task.NoResume

	pipeline *Pipeline
	timeout  time.Duration
}

func NewTaskHandler(p *Pipeline, timeout time.Duration) *TaskHandler {
	return &TaskHandler{pipeline: p, timeout: timeout}
}

func (h *TaskHandler) OnStart(ctx context.Context, tc task.Context) task.Outcome {
	var in Input
	if err := json.Unmarshal(tc.Input(), &in); err != nil {
		return task.Failed(&task.Error{Message: errors.Wrap(err, "decoding ingest input").Error()})
	}

	var (
		buf      *buffer.Buffer
		filename = in.Filename
	)
	switch {
	case len(in.Data) > 0:
		buf = buffer.FromBytes(in.Data)
	case in.Path != "":
		data, err := os.ReadFile(in.Path)
		if err != nil {
			return task.Failed(errors.Wrapf(err, "reading %s", in.Path))
		}
		buf = buffer.FromBytes(data)
		if filename == "" {
			filename = filepath.Base(in.Path)
		}
	default:
		return task.Failed(&task.Error{Message: "ingest input carries neither path nor data"})
	}

	h.pipeline.Submit(ctx, tc.TaskID(), tc.TenantID(), buf, filename)
	return task.Background("ingest in flight", h.timeout)
}
