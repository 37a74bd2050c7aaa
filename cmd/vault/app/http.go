package app

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-kit/log/level"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/libragraph-com/vault/ingest"
	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/pkg/util/log"
	"github.com/libragraph-com/vault/task"
	"github.com/libragraph-com/vault/vaultdb/rebuild"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxIngestBody caps the request body of a single ingest upload.
const maxIngestBody = 1 << 30

var errEmptyBody = errors.New("empty request body")

func (a *App) apiHandler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ready\n")
	})

	mux.HandleFunc("GET /api/v1/tenants", a.listTenantsHandler)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/ingest", a.ingestHandler)
	mux.HandleFunc("POST /api/v1/tenants/{tenant}/rebuild", a.rebuildHandler)
	mux.HandleFunc("GET /api/v1/tenants/{tenant}/blobs/{key}", a.reconstructHandler)
	mux.HandleFunc("GET /api/v1/tasks/{id}", a.taskHandler)

	return mux
}

func (a *App) listTenantsHandler(w http.ResponseWriter, r *http.Request) {
	tenants, err := a.store.Tenants(r.Context())
	if err != nil {
		httpError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}

func (a *App) ingestHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxIngestBody))
	if err != nil {
		httpError(w, err, http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		httpError(w, errEmptyBody, http.StatusBadRequest)
		return
	}

	id, err := a.tasks.Submit(r.Context(), task.SubmitRequest{
		TenantID: tenantID,
		Type:     ingest.TypeIngest,
		Input:    ingest.Input{Data: data, Filename: r.URL.Query().Get("filename")},
	})
	if err != nil {
		httpError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (a *App) rebuildHandler(w http.ResponseWriter, r *http.Request) {
	truncate, _ := strconv.ParseBool(r.URL.Query().Get("truncate"))

	id, err := a.tasks.Submit(r.Context(), task.SubmitRequest{
		TenantID: r.PathValue("tenant"),
		Type:     rebuild.TypeRebuild,
		Input:    rebuild.Input{Truncate: truncate},
	})
	if err != nil {
		httpError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

func (a *App) reconstructHandler(w http.ResponseWriter, r *http.Request) {
	ref, err := blobref.Parse(r.PathValue("key"))
	if err != nil {
		httpError(w, err, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	if err := a.reconstructor.Reconstruct(r.Context(), r.PathValue("tenant"), ref, w); err != nil {
		// headers may already be gone, all we can do is log
		level.Error(log.Logger).Log("msg", "reconstruction failed", "key", ref.Key(), "err", err)
	}
}

type taskResponse struct {
	ID         string              `json:"id"`
	TenantID   string              `json:"tenant_id"`
	ParentID   string              `json:"parent_id,omitempty"`
	Type       string              `json:"type"`
	Status     string              `json:"status"`
	Priority   int                 `json:"priority"`
	Output     jsoniter.RawMessage `json:"output,omitempty"`
	RetryCount int                 `json:"retry_count"`
	Executor   string              `json:"executor,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

func (a *App) taskHandler(w http.ResponseWriter, r *http.Request) {
	t, err := a.tasks.Get(r.Context(), r.PathValue("id"))
	if err == task.ErrTaskNotFound {
		httpError(w, err, http.StatusNotFound)
		return
	}
	if err != nil {
		httpError(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, taskResponse{
		ID:         t.ID,
		TenantID:   t.TenantID,
		ParentID:   t.ParentID,
		Type:       t.Type,
		Status:     string(t.Status),
		Priority:   t.Priority,
		Output:     t.Output,
		RetryCount: t.RetryCount,
		Executor:   t.Executor,
		CreatedAt:  t.CreatedAt,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(log.Logger).Log("msg", "writing response", "err", err)
	}
}

func httpError(w http.ResponseWriter, err error, code int) {
	http.Error(w, err.Error(), code)
}
