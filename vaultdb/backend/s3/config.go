package s3

import (
	"flag"
	"time"
)

type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Insecure  bool   `yaml:"insecure"`

	// BucketPrefix is prepended to the tenant id to form the bucket name.
	BucketPrefix string `yaml:"bucket_prefix"`

	// WriteOnceCheck stats the key before every create. S3 cannot enforce
	// create-new natively, so this trades a round trip for the invariant.
	WriteOnceCheck bool `yaml:"write_once_check"`

	// HedgeRequestsAt hedges slow reads after this duration. Zero disables.
	HedgeRequestsAt     time.Duration `yaml:"hedge_requests_at"`
	HedgeRequestsUpTo   int           `yaml:"hedge_requests_up_to"`
	SignatureV2         bool          `yaml:"signature_v2"`
	ForcePathStyle      bool          `yaml:"force_path_style"`
	InsecureSkipVerify  bool          `yaml:"insecure_skip_verify"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	cfg.HedgeRequestsUpTo = 2

	f.StringVar(&cfg.Endpoint, prefix+".endpoint", "", "S3 endpoint.")
	f.StringVar(&cfg.AccessKey, prefix+".access-key", "", "S3 access key.")
	f.StringVar(&cfg.SecretKey, prefix+".secret-key", "", "S3 secret key.")
	f.StringVar(&cfg.BucketPrefix, prefix+".bucket-prefix", "vault-", "Prefix for per-tenant bucket names.")
	f.BoolVar(&cfg.Insecure, prefix+".insecure", false, "Use http rather than https.")
	f.BoolVar(&cfg.WriteOnceCheck, prefix+".write-once-check", true, "Fail creates of existing keys.")
}
