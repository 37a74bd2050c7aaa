package reconstruct

import (
	stdzip "archive/zip"
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libragraph-com/vault/format"
	gzipfmt "github.com/libragraph-com/vault/format/gzip"
	rawfmt "github.com/libragraph-com/vault/format/raw"
	zipfmt "github.com/libragraph-com/vault/format/zip"
	"github.com/libragraph-com/vault/pkg/blobref"
	"github.com/libragraph-com/vault/pkg/buffer"
	"github.com/libragraph-com/vault/vaultdb/backend/local"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

func testSetup(t *testing.T) (*Reconstructor, *local.Backend) {
	t.Helper()
	store, err := local.New(&local.Config{Path: t.TempDir()})
	require.NoError(t, err)
	formats := format.NewRegistry(zipfmt.NewFactory(), gzipfmt.NewFactory(), rawfmt.NewFactory())
	return New(store, formats), store
}

func buildStoredZip(t *testing.T, files [][2]string) []byte {
	t.Helper()
	var b bytes.Buffer
	zw := stdzip.NewWriter(&b)
	for _, f := range files {
		w, err := zw.CreateHeader(&stdzip.FileHeader{
			Name:     f[0],
			Method:   stdzip.Store,
			Modified: time.Unix(1700000000, 0).UTC(),
		})
		require.NoError(t, err)
		_, err = w.Write([]byte(f[1]))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return b.Bytes()
}

// storeZipTree decomposes a zip the way ingestion would, writing leaves and
// manifests into storage, and returns the container ref. Nested zips recurse.
func storeZipTree(t *testing.T, store *local.Backend, tenantID string, data []byte) blobref.BlobRef {
	t.Helper()
	ctx := context.Background()

	buf := buffer.FromBytes(data)
	h := zipfmt.NewFactory().New(buf, "archive.zip")
	ext, err := h.Children()
	require.NoError(t, err)

	m := &manifest.Manifest{
		Hash:      buf.Hash().Bytes(),
		Size:      uint64(buf.Len()),
		FormatKey: zipfmt.Key,
		Metadata:  ext.Meta,
	}
	for _, c := range ext.Children {
		entry := manifest.Entry{
			Path:        c.Path,
			Type:        c.Type,
			MTimeMillis: c.MTime.UnixMilli(),
			Metadata:    c.FormatMeta,
		}
		if c.Content != nil && c.Content.Len() > 0 {
			if bytes.HasPrefix(c.Content.Bytes(), []byte("PK\x03\x04")) {
				ref := storeZipTree(t, store, tenantID, c.Content.Bytes())
				entry.Hash = ref.Hash.Bytes()
				entry.Size = ref.Size
				entry.IsContainer = true
			} else {
				ref, err := c.Content.LeafRef()
				require.NoError(t, err)
				entry.Hash = ref.Hash.Bytes()
				entry.Size = ref.Size
				_ = store.Create(ctx, tenantID, ref, c.Content.Bytes(), "")
			}
		}
		m.Entries = append(m.Entries, entry)
	}

	raw, err := m.Marshal()
	require.NoError(t, err)
	ref, err := blobref.NewContainer(buf.Hash(), uint64(buf.Len()))
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, tenantID, ref, raw, "application/cbor"))
	return ref
}

func TestReconstructLeaf(t *testing.T) {
	r, store := testSetup(t)
	ctx := context.Background()

	data := []byte("plain leaf bytes")
	ref, err := blobref.ForBytes(data)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, "acme", ref, data, ""))

	var out bytes.Buffer
	require.NoError(t, r.Reconstruct(ctx, "acme", ref, &out))
	assert.Equal(t, data, out.Bytes())
}

func TestReconstructZipTwiceIdentical(t *testing.T) {
	r, store := testSetup(t)
	ctx := context.Background()

	original := buildStoredZip(t, [][2]string{
		{"hello.txt", "Hello, World!"},
		{"data.csv", "a,b,c\n1,2,3"},
	})
	ref := storeZipTree(t, store, "acme", original)

	var first, second bytes.Buffer
	require.NoError(t, r.Reconstruct(ctx, "acme", ref, &first))
	require.NoError(t, r.Reconstruct(ctx, "acme", ref, &second))
	assert.Equal(t, first.Bytes(), second.Bytes(), "same manifest and leaves give identical output")

	// stored-method entries replay bit-identically
	assert.Equal(t, original, first.Bytes())

	zr, err := stdzip.NewReader(bytes.NewReader(first.Bytes()), int64(first.Len()))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	want := map[string]string{"hello.txt": "Hello, World!", "data.csv": "a,b,c\n1,2,3"}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		got := new(bytes.Buffer)
		_, err = got.ReadFrom(rc)
		require.NoError(t, err)
		rc.Close()
		assert.Equal(t, want[f.Name], got.String())
	}
}

func TestReconstructNested(t *testing.T) {
	r, store := testSetup(t)
	ctx := context.Background()

	inner := buildStoredZip(t, [][2]string{{"nested-file.txt", "nested content"}})
	outer := buildStoredZip(t, [][2]string{
		{"readme.txt", "read me"},
		{"inner.zip", string(inner)},
	})
	ref := storeZipTree(t, store, "acme", outer)

	var out bytes.Buffer
	require.NoError(t, r.Reconstruct(ctx, "acme", ref, &out))
	assert.Equal(t, outer, out.Bytes())

	zr, err := stdzip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	for _, f := range zr.File {
		if f.Name != "inner.zip" {
			continue
		}
		rc, err := f.Open()
		require.NoError(t, err)
		got := new(bytes.Buffer)
		_, err = got.ReadFrom(rc)
		require.NoError(t, err)
		rc.Close()
		assert.Equal(t, inner, got.Bytes(), "nested container replayed from its own manifest")
	}
}

func TestReconstructRefusesStoredTier(t *testing.T) {
	r, store := testSetup(t)
	ctx := context.Background()

	hash := buffer.FromBytes([]byte("pretend gzip")).Hash()
	m := &manifest.Manifest{Hash: hash.Bytes(), Size: 12, FormatKey: gzipfmt.Key}
	raw, err := m.Marshal()
	require.NoError(t, err)
	ref, err := blobref.NewContainer(hash, 12)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, "acme", ref, raw, ""))

	err = r.Reconstruct(ctx, "acme", ref, &bytes.Buffer{})
	assert.ErrorIs(t, err, ErrNotReconstructable)
}

func TestReconstructUnknownFormat(t *testing.T) {
	r, store := testSetup(t)
	ctx := context.Background()

	hash := buffer.FromBytes([]byte("payload")).Hash()
	m := &manifest.Manifest{Hash: hash.Bytes(), Size: 7, FormatKey: "7z"}
	raw, err := m.Marshal()
	require.NoError(t, err)
	ref, err := blobref.NewContainer(hash, 7)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, "acme", ref, raw, ""))

	err = r.Reconstruct(ctx, "acme", ref, &bytes.Buffer{})
	assert.ErrorIs(t, err, format.ErrNoHandler)
}

func TestReconstructMissingLeaf(t *testing.T) {
	r, store := testSetup(t)
	ctx := context.Background()

	original := buildStoredZip(t, [][2]string{{"hello.txt", "Hello, World!"}})
	ref := storeZipTree(t, store, "acme", original)

	// drop the leaf out from under the manifest
	leaf, err := blobref.ForBytes([]byte("Hello, World!"))
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "acme", leaf))

	err = r.Reconstruct(ctx, "acme", ref, &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hello.txt")
}
