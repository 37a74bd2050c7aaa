package ingest

import (
	"flag"
	"time"
)

type Config struct {
	// ExecutorCount is the number of event executor goroutines.
	ExecutorCount int `yaml:"executor_count"`

	// QueueDepth is the buffered event queue size. Overflow never blocks an
	// executor; it spills to a goroutine instead.
	QueueDepth int `yaml:"queue_depth"`

	// IngestTimeout bounds how long a root ingest task may stay in the
	// background before the sweep expires it.
	IngestTimeout time.Duration `yaml:"ingest_timeout"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.ExecutorCount, prefix+".executor-count", 4, "Number of ingest event executors.")
	f.IntVar(&cfg.QueueDepth, prefix+".queue-depth", 1024, "Buffered ingest event queue depth.")
	f.DurationVar(&cfg.IngestTimeout, prefix+".timeout", time.Hour, "Deadline for a single ingest to finish.")
}
