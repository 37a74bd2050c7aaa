package local

import "flag"

type Config struct {
	// Path is the root directory for all tenants.
	Path string `yaml:"path"`

	// WriteOnceCheck makes Create fail on an existing key instead of
	// silently rewriting identical bytes.
	WriteOnceCheck bool `yaml:"write_once_check"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+".path", "", "Root directory for blob storage.")
	f.BoolVar(&cfg.WriteOnceCheck, prefix+".write-once-check", true, "Fail creates of existing keys.")
}
