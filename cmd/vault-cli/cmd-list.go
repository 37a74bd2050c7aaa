package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/libragraph-com/vault/vaultdb/backend"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

func listTenants(store backend.Store) error {
	tenants, err := store.Tenants(context.Background())
	if err != nil {
		return err
	}
	sort.Strings(tenants)
	for _, t := range tenants {
		fmt.Println(t)
	}
	return nil
}

func listContainers(store backend.Store) error {
	ctx := context.Background()

	refs, err := store.Containers(ctx, tenantID)
	if err != nil {
		return err
	}

	out := make([][]string, 0, len(refs))
	var totalSize uint64
	for _, ref := range refs {
		raw, err := store.Read(ctx, tenantID, ref)
		if err != nil {
			return err
		}
		m, err := manifest.Unmarshal(raw)
		if err != nil {
			fmt.Fprintln(os.Stderr, "skipping unreadable manifest:", ref.Key(), err)
			continue
		}
		out = append(out, []string{
			ref.Key(),
			m.FormatKey,
			strconv.Itoa(len(m.Entries)),
			humanize.Bytes(m.Size),
		})
		totalSize += m.Size
	}

	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })

	w := tablewriter.NewWriter(os.Stdout)
	w.SetHeader([]string{"key", "format", "entries", "size"})
	w.SetFooter([]string{"", "", strconv.Itoa(len(out)), humanize.Bytes(totalSize)})
	w.AppendBulk(out)
	w.Render()
	return nil
}
