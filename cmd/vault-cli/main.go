package main

import (
	"flag"
	"fmt"
	"os"
)

var (
	backendName    string
	localPath      string
	s3Endpoint     string
	s3BucketPrefix string
	s3User         string
	s3Pass         string
	s3Insecure     bool

	tenantID   string
	indexPath  string
	outputPath string
	truncate   bool
)

func init() {
	flag.StringVar(&backendName, "backend", "local", "backend to connect to (local/s3)")
	flag.StringVar(&localPath, "path", "", "path of the local backend")
	flag.StringVar(&s3Endpoint, "s3-endpoint", "", "s3 endpoint")
	flag.StringVar(&s3BucketPrefix, "s3-bucket-prefix", "", "s3 bucket name prefix, tenant id is appended")
	flag.StringVar(&s3User, "s3-user", "", "s3 username")
	flag.StringVar(&s3Pass, "s3-pass", "", "s3 password")
	flag.BoolVar(&s3Insecure, "s3-insecure", false, "skip tls for s3")

	flag.StringVar(&tenantID, "tenant-id", "", "tenant to operate on")
	flag.StringVar(&indexPath, "index-path", "", "path of the sqlite index (rebuild only)")
	flag.StringVar(&outputPath, "output", "", "output file (reconstruct only, default stdout)")
	flag.BoolVar(&truncate, "truncate", false, "drop existing index rows before rebuilding")
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: vault-cli [flags] <command> [args]

commands:
  list-tenants                list all tenants in the backend
  list-containers             list containers of -tenant-id
  dump-manifest <key>         print the manifest stored at a container key
  reconstruct <key>           reconstruct a blob to -output (or stdout)
  rebuild                     rebuild the index at -index-path from storage

`)
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() == 0 {
		usage()
		os.Exit(1)
	}

	store, err := loadBackend()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error creating backend:", err)
		os.Exit(1)
	}

	switch cmd := flag.Arg(0); cmd {
	case "list-tenants":
		err = listTenants(store)
	case "list-containers":
		err = requireTenant(func() error { return listContainers(store) })
	case "dump-manifest":
		err = requireTenant(func() error { return dumpManifest(store, flag.Arg(1)) })
	case "reconstruct":
		err = requireTenant(func() error { return reconstructBlob(store, flag.Arg(1)) })
	case "rebuild":
		err = requireTenant(func() error { return rebuildIndex(store) })
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func requireTenant(fn func() error) error {
	if tenantID == "" {
		return fmt.Errorf("-tenant-id is required")
	}
	return fn()
}
