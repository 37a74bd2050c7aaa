package task

import (
	"flag"
	"time"
)

type Config struct {
	// WorkerCount is the number of claim loops run by the worker pool.
	WorkerCount int `yaml:"worker_count"`

	// PollInterval bounds how long a worker sleeps before re-checking for
	// claimable work when no notification arrives.
	PollInterval time.Duration `yaml:"poll_interval"`

	// ClaimLease is how long an IN_PROGRESS claim is trusted before the
	// sweep assumes the claimant crashed.
	ClaimLease time.Duration `yaml:"claim_lease"`

	// SweepInterval is the period of the stale-recovery sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// MaxRetries caps retryable failures before a task goes DEAD.
	MaxRetries int `yaml:"max_retries"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.WorkerCount, prefix+".worker-count", 4, "Number of task workers.")
	f.DurationVar(&cfg.PollInterval, prefix+".poll-interval", 10*time.Second, "Fallback poll interval for claimable work.")
	f.DurationVar(&cfg.ClaimLease, prefix+".claim-lease", 5*time.Minute, "Lease after which an unfinished claim is presumed crashed.")
	f.DurationVar(&cfg.SweepInterval, prefix+".sweep-interval", 30*time.Second, "Period of the stale task sweep.")
	f.IntVar(&cfg.MaxRetries, prefix+".max-retries", 3, "Maximum retries for retryable task failures.")
}
