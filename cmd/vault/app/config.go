package app

import (
	"flag"
	"fmt"

	dslog "github.com/grafana/dskit/log"

	"github.com/libragraph-com/vault/index"
	"github.com/libragraph-com/vault/ingest"
	"github.com/libragraph-com/vault/task"
	"github.com/libragraph-com/vault/vaultdb/backend/local"
	"github.com/libragraph-com/vault/vaultdb/backend/s3"
)

const (
	backendLocal = "local"
	backendS3    = "s3"
)

// Config is the root configuration of the vault daemon. It aggregates the
// configuration of every component and is populated from defaults, then the
// yaml config file, then command line flags.
type Config struct {
	LogLevel  dslog.Level `yaml:"log_level"`
	LogFormat string      `yaml:"log_format"`

	HTTPListenPort int `yaml:"http_listen_port"`

	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage"`
	Index   index.Config  `yaml:"index"`
	Tasks   task.Config   `yaml:"tasks"`
	Ingest  ingest.Config `yaml:"ingest"`
}

type NodeConfig struct {
	// ID identifies this process in task claims. Defaults to
	// hostname-<random suffix> when empty.
	ID string `yaml:"id"`
}

// StorageConfig selects and configures the object storage backend.
type StorageConfig struct {
	Backend string       `yaml:"backend"`
	Local   local.Config `yaml:"local"`
	S3      s3.Config    `yaml:"s3"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.LogFormat = "logfmt"
	_ = cfg.LogLevel.Set("info")
	cfg.LogLevel.RegisterFlags(f)

	f.IntVar(&cfg.HTTPListenPort, "http-listen-port", 3400, "HTTP port for metrics and the api.")
	f.StringVar(&cfg.Node.ID, "node.id", "", "Node id recorded in task claims. Defaults to hostname plus a random suffix.")
	f.StringVar(&cfg.Storage.Backend, "storage.backend", backendLocal, "Object storage backend to use. (local, s3)")

	cfg.Storage.Local.RegisterFlagsAndApplyDefaults("storage.local", f)
	cfg.Storage.S3.RegisterFlagsAndApplyDefaults("storage.s3", f)
	cfg.Index.RegisterFlagsAndApplyDefaults("index", f)
	cfg.Tasks.RegisterFlagsAndApplyDefaults("tasks", f)
	cfg.Ingest.RegisterFlagsAndApplyDefaults("ingest", f)
}

// CheckConfig warns about suspect configurations. Warnings are advisory, the
// process starts regardless.
func (cfg *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if cfg.Storage.Backend == backendS3 && !cfg.Storage.S3.WriteOnceCheck {
		warnings = append(warnings, warnStoreCheckDisabled)
	}
	if cfg.Tasks.WorkerCount == 0 {
		warnings = append(warnings, warnNoWorkers)
	}

	return warnings
}

func (cfg *Config) validate() error {
	switch cfg.Storage.Backend {
	case backendLocal, backendS3:
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
	if cfg.Index.Path == "" {
		return fmt.Errorf("index.path is required")
	}
	return nil
}

type ConfigWarning struct {
	Message string
	Explain string
}

var (
	warnStoreCheckDisabled = ConfigWarning{
		Message: "write-once check disabled on s3",
		Explain: "concurrent writers may clobber existing objects; identical content makes this harmless but it hides bugs",
	}
	warnNoWorkers = ConfigWarning{
		Message: "tasks.worker_count is 0",
		Explain: "submitted tasks will stay OPEN until another instance claims them",
	}
)
