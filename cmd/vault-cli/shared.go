package main

import (
	"fmt"

	"github.com/libragraph-com/vault/format"
	gzipfmt "github.com/libragraph-com/vault/format/gzip"
	rawfmt "github.com/libragraph-com/vault/format/raw"
	tarfmt "github.com/libragraph-com/vault/format/tar"
	zipfmt "github.com/libragraph-com/vault/format/zip"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/backend/local"
	"github.com/libragraph-com/vault/vaultdb/backend/s3"
)

func loadBackend() (backend.Store, error) {
	switch backendName {
	case "local":
		if localPath == "" {
			return nil, fmt.Errorf("-path is required for the local backend")
		}
		return local.New(&local.Config{Path: localPath})
	case "s3":
		return s3.New(&s3.Config{
			Endpoint:     s3Endpoint,
			BucketPrefix: s3BucketPrefix,
			AccessKey:    s3User,
			SecretKey:    s3Pass,
			Insecure:     s3Insecure,
		})
	default:
		return nil, fmt.Errorf("unknown backend %q", backendName)
	}
}

func formatRegistry() *format.Registry {
	return format.NewRegistry(
		zipfmt.NewFactory(),
		tarfmt.NewFactory(),
		gzipfmt.NewFactory(),
		rawfmt.NewFactory(),
	)
}
