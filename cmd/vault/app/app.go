package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/format"
	gzipfmt "github.com/libragraph-com/vault/format/gzip"
	rawfmt "github.com/libragraph-com/vault/format/raw"
	tarfmt "github.com/libragraph-com/vault/format/tar"
	zipfmt "github.com/libragraph-com/vault/format/zip"
	"github.com/libragraph-com/vault/index"
	"github.com/libragraph-com/vault/ingest"
	"github.com/libragraph-com/vault/pkg/util/log"
	"github.com/libragraph-com/vault/task"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/backend/local"
	"github.com/libragraph-com/vault/vaultdb/backend/s3"
	"github.com/libragraph-com/vault/vaultdb/rebuild"
	"github.com/libragraph-com/vault/vaultdb/reconstruct"
)

// App wires the store, index, scheduler and pipeline together and runs them
// under one services manager.
type App struct {
	cfg Config

	store         backend.Store
	idx           *index.DB
	formats       *format.Registry
	tasks         *task.Store
	worker        *task.Worker
	pipeline      *ingest.Pipeline
	reconstructor *reconstruct.Reconstructor
	rebuilder     *rebuild.Rebuilder

	httpServer *http.Server
}

func New(cfg Config) (*App, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	a := &App{cfg: cfg}

	var err error
	a.store, err = newStore(&cfg.Storage)
	if err != nil {
		return nil, errors.Wrap(err, "initialising storage backend")
	}

	a.idx, err = index.Open(&cfg.Index)
	if err != nil {
		return nil, errors.Wrap(err, "opening index")
	}

	nodeID := cfg.Node.ID
	if nodeID == "" {
		nodeID = fmt.Sprintf("%s-%s", hostname(), uuid.NewString()[:8])
	}
	if err := a.idx.RegisterNode(context.Background(), nodeID, hostname()); err != nil {
		return nil, err
	}

	a.formats = format.NewRegistry(
		zipfmt.NewFactory(),
		tarfmt.NewFactory(),
		gzipfmt.NewFactory(),
		rawfmt.NewFactory(),
	)

	notifier := task.NewNotifier()
	resources := task.NewResourceDirectory()
	registry := task.NewRegistry()

	a.tasks = task.NewStore(a.idx, registry, notifier, resources, &cfg.Tasks)
	a.worker = task.NewWorker(&cfg.Tasks, a.tasks, registry, notifier, nodeID)
	a.pipeline = ingest.NewPipeline(&cfg.Ingest, a.store, a.idx, a.tasks, a.formats)
	a.reconstructor = reconstruct.New(a.store, a.formats)
	a.rebuilder = rebuild.New(a.store, a.idx, a.formats)

	registry.Register(task.TypeSpec{
		Type:    ingest.TypeIngest,
		Handler: ingest.NewTaskHandler(a.pipeline, cfg.Ingest.IngestTimeout),
	})
	registry.Register(task.TypeSpec{
		Type:    rebuild.TypeRebuild,
		Handler: rebuild.NewTaskHandler(a.rebuilder),
	})

	a.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPListenPort),
		Handler:      a.apiHandler(),
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 10 * time.Minute,
	}

	return a, nil
}

func newStore(cfg *StorageConfig) (backend.Store, error) {
	switch cfg.Backend {
	case backendLocal:
		return local.New(&cfg.Local)
	case backendS3:
		return s3.New(&cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// Run starts the pipeline and worker and blocks until a signal arrives or a
// service fails.
func (a *App) Run() error {
	sm, err := services.NewManager(a.pipeline, a.worker)
	if err != nil {
		return errors.Wrap(err, "creating services manager")
	}

	ctx := context.Background()
	if err := services.StartManagerAndAwaitHealthy(ctx, sm); err != nil {
		return errors.Wrap(err, "starting services")
	}

	ln, err := net.Listen("tcp", a.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "binding http listener")
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := a.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			httpErr <- err
		}
	}()
	level.Info(log.Logger).Log("msg", "http server listening", "addr", ln.Addr())

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	failed := make(chan struct{}, 1)
	listener := services.NewManagerListener(func() {}, func() {}, func(service services.Service) {
		level.Error(log.Logger).Log("msg", "service failed", "err", service.FailureCase())
		select {
		case failed <- struct{}{}:
		default:
		}
	})
	sm.AddListener(listener)

	select {
	case sig := <-stop:
		level.Info(log.Logger).Log("msg", "received signal, shutting down", "signal", sig)
	case err := <-httpErr:
		level.Error(log.Logger).Log("msg", "http server failed", "err", err)
	case <-failed:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = a.httpServer.Shutdown(shutdownCtx)

	sm.StopAsync()
	if err := sm.AwaitStopped(shutdownCtx); err != nil {
		level.Warn(log.Logger).Log("msg", "error stopping services", "err", err)
	}

	return a.idx.Close()
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}
