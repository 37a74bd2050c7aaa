package main

import (
	"context"
	"fmt"

	"github.com/libragraph-com/vault/index"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/rebuild"
)

func rebuildIndex(store backend.Store) error {
	if indexPath == "" {
		return fmt.Errorf("-index-path is required for rebuild")
	}

	idx, err := index.Open(&index.Config{Path: indexPath})
	if err != nil {
		return err
	}
	defer idx.Close()

	r := rebuild.New(store, idx, formatRegistry())
	stats, err := r.Rebuild(context.Background(), tenantID, truncate)
	if err != nil {
		return err
	}

	fmt.Println("Leaves     : ", stats.Leaves)
	fmt.Println("Containers : ", stats.Containers)
	fmt.Println("Entries    : ", stats.Entries)
	return nil
}
