package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/reconstruct"
)

func reconstructBlob(store backend.Store, key string) error {
	if key == "" {
		return fmt.Errorf("reconstruct requires a blob key")
	}
	ref, err := blobref.Parse(key)
	if err != nil {
		return err
	}

	var sink io.Writer = os.Stdout
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return err
		}
		defer f.Close()
		sink = f
	}

	r := reconstruct.New(store, formatRegistry())
	if err := r.Reconstruct(context.Background(), tenantID, ref, sink); err != nil {
		return err
	}
	if outputPath != "" {
		fmt.Fprintln(os.Stderr, "wrote", outputPath)
	}
	return nil
}
