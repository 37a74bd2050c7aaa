package index

import "flag"

type Config struct {
	// Path of the SQLite database file. ":memory:" is accepted for tests.
	Path string `yaml:"path"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+".path", "", "Path of the index database file.")
}
