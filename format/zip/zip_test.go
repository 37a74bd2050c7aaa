package zip

import (
	stdzip "archive/zip"
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libragraph-com/vault/pkg/buffer"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

func buildZip(t *testing.T, files map[string]string) *buffer.Buffer {
	t.Helper()

	var b bytes.Buffer
	zw := stdzip.NewWriter(&b)
	require.NoError(t, zw.SetComment("test archive"))
	for _, name := range []string{"dir/", "dir/a.txt", "b.txt"} {
		if content, ok := files[name]; ok || name == "dir/" {
			fh := &stdzip.FileHeader{Name: name, Method: stdzip.Deflate, Modified: time.Unix(1700000000, 0).UTC()}
			if name == "dir/" {
				fh.Method = stdzip.Store
			}
			w, err := zw.CreateHeader(fh)
			require.NoError(t, err)
			_, err = w.Write([]byte(content))
			require.NoError(t, err)
		}
	}
	require.NoError(t, zw.Close())
	return buffer.FromBytes(b.Bytes())
}

func TestDetection(t *testing.T) {
	f := NewFactory()
	assert.Equal(t, "zip", f.Key())
	c := f.Criteria()
	require.Len(t, c.Magic, 1)
	assert.Equal(t, []byte{'P', 'K', 3, 4}, c.Magic[0].Bytes)
}

func TestChildren(t *testing.T) {
	buf := buildZip(t, map[string]string{"dir/a.txt": "alpha", "b.txt": "bravo"})

	h := NewFactory().New(buf, "test.zip")
	require.True(t, h.HasChildren())

	ext, err := h.Children()
	require.NoError(t, err)
	require.Len(t, ext.Children, 3)

	assert.Equal(t, "dir/", ext.Children[0].Path)
	assert.Equal(t, manifest.EntryTypeDirectory, ext.Children[0].Type)
	assert.Nil(t, ext.Children[0].Content)

	assert.Equal(t, "dir/a.txt", ext.Children[1].Path)
	assert.Equal(t, manifest.EntryTypeFile, ext.Children[1].Type)
	assert.Equal(t, "alpha", string(ext.Children[1].Content.Bytes()))
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), ext.Children[1].MTime.UTC())

	assert.Equal(t, "b.txt", ext.Children[2].Path)
	assert.Equal(t, "bravo", string(ext.Children[2].Content.Bytes()))
}

func TestReconstructIsDeterministic(t *testing.T) {
	buf := buildZip(t, map[string]string{"dir/a.txt": "alpha", "b.txt": "bravo"})
	h := NewFactory().New(buf, "test.zip")
	ext, err := h.Children()
	require.NoError(t, err)

	replay := NewFactory().New(nil, "")
	var first, second bytes.Buffer
	require.NoError(t, replay.Reconstruct(ext.Meta, ext.Children, &first))
	require.NoError(t, replay.Reconstruct(ext.Meta, ext.Children, &second))
	assert.Equal(t, first.Bytes(), second.Bytes(), "replay must be deterministic")
}

func TestReconstructRoundTripsContents(t *testing.T) {
	buf := buildZip(t, map[string]string{"dir/a.txt": "alpha", "b.txt": "bravo"})
	h := NewFactory().New(buf, "test.zip")
	ext, err := h.Children()
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, NewFactory().New(nil, "").Reconstruct(ext.Meta, ext.Children, &out))

	// re-extract the replayed archive and compare entry for entry
	h2 := NewFactory().New(buffer.FromBytes(out.Bytes()), "test.zip")
	ext2, err := h2.Children()
	require.NoError(t, err)
	require.Len(t, ext2.Children, len(ext.Children))
	for i := range ext.Children {
		assert.Equal(t, ext.Children[i].Path, ext2.Children[i].Path)
		assert.Equal(t, ext.Children[i].Type, ext2.Children[i].Type)
		if ext.Children[i].Content != nil {
			require.NotNil(t, ext2.Children[i].Content)
			assert.Equal(t, ext.Children[i].Content.Bytes(), ext2.Children[i].Content.Bytes())
		}
	}

	zr, err := stdzip.NewReader(bytes.NewReader(out.Bytes()), int64(out.Len()))
	require.NoError(t, err)
	assert.Equal(t, "test archive", zr.Comment)
}

func TestCapabilities(t *testing.T) {
	h := NewFactory().New(nil, "")
	caps := h.Capabilities()
	assert.True(t, caps.PreservesOrder)
	assert.True(t, caps.PreservesTimestamps)
	assert.False(t, h.Compressible())
}

func TestChildrenRejectsGarbage(t *testing.T) {
	h := NewFactory().New(buffer.FromBytes([]byte("PK\x03\x04 but not a zip")), "x.zip")
	_, err := h.Children()
	assert.Error(t, err)
}
