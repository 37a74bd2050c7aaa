package main

import (
	"context"
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

func dumpManifest(store backend.Store, key string) error {
	if key == "" {
		return fmt.Errorf("dump-manifest requires a container key")
	}
	ref, err := blobref.Parse(key)
	if err != nil {
		return err
	}
	if !ref.Container {
		return fmt.Errorf("%s is a leaf, only containers have manifests", key)
	}

	raw, err := store.Read(context.Background(), tenantID, ref)
	if err != nil {
		return err
	}
	m, err := manifest.Unmarshal(raw)
	if err != nil {
		return err
	}

	fmt.Println("Key           : ", ref.Key())
	fmt.Println("Format        : ", m.FormatKey)
	fmt.Println("Original Size : ", humanize.Bytes(m.Size))
	fmt.Println("Entries       : ", len(m.Entries))
	fmt.Println("Format Meta   : ", len(m.Metadata), "bytes")
	fmt.Println()

	out := make([][]string, 0, len(m.Entries))
	for i := range m.Entries {
		e := &m.Entries[i]
		childKey := ""
		if cref, ok, err := e.ChildRef(); err == nil && ok {
			childKey = cref.Key()
		}
		size := ""
		if e.Type == manifest.EntryTypeFile {
			size = humanize.Bytes(e.Size)
		}
		out = append(out, []string{
			e.Path,
			e.Type.String(),
			size,
			e.MTime().Format("2006-01-02 15:04:05"),
			childKey,
		})
	}

	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"path", "type", "size", "mtime", "child key"})
	w.AppendBulk(out)
	w.Render()
	return nil
}
