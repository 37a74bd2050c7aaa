package manifest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libragraph-com/vault/pkg/blobref"
)

func TestRoundTrip(t *testing.T) {
	containerBytes := []byte("the original archive bytes")
	childBytes := []byte("child content")

	containerHash := blobref.HashBytes(containerBytes)
	childHash := blobref.HashBytes(childBytes)

	m := &Manifest{
		Hash:      containerHash.Bytes(),
		Size:      uint64(len(containerBytes)),
		FormatKey: "zip",
		Metadata:  []byte{0x01, 0x02},
		Entries: []Entry{
			{
				Path:        "dir/",
				Type:        EntryTypeDirectory,
				MTimeMillis: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC).UnixMilli(),
			},
			{
				Path:     "dir/file.txt",
				Hash:     childHash.Bytes(),
				Size:     uint64(len(childBytes)),
				Type:     EntryTypeFile,
				Metadata: []byte("format specific"),
			},
		},
	}

	data, err := m.Marshal()
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)

	ref, err := decoded.ContainerRef()
	require.NoError(t, err)
	assert.True(t, ref.Container)
	assert.Equal(t, containerHash, ref.Hash)
}

func TestChildRef(t *testing.T) {
	childBytes := []byte("payload")
	childHash := blobref.HashBytes(childBytes)

	file := Entry{Path: "a.txt", Hash: childHash.Bytes(), Size: 7, Type: EntryTypeFile}
	ref, ok, err := file.ChildRef()
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, ref.Container)
	assert.Equal(t, uint64(7), ref.Size)

	nested := Entry{Path: "inner.zip", Hash: childHash.Bytes(), Size: 100, Type: EntryTypeFile, IsContainer: true}
	ref, ok, err = nested.ChildRef()
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, ref.Container)

	dir := Entry{Path: "dir/", Type: EntryTypeDirectory}
	_, ok, err = dir.ChildRef()
	require.NoError(t, err)
	assert.False(t, ok)

	empty := Entry{Path: "empty.txt", Type: EntryTypeFile, Size: 0}
	_, ok, err = empty.ChildRef()
	require.NoError(t, err)
	assert.False(t, ok, "zero-size entries have no stored blob")
}

func TestUnmarshalGarbage(t *testing.T) {
	_, err := Unmarshal([]byte("not cbor at all"))
	assert.ErrorIs(t, err, ErrManifestParse)
}

func TestMarshalIsDeterministic(t *testing.T) {
	m := &Manifest{
		Hash:      blobref.HashBytes([]byte("c")).Bytes(),
		Size:      3,
		FormatKey: "tar",
		Entries:   []Entry{{Path: "x", Type: EntryTypeFile, Size: 1, Hash: blobref.HashBytes([]byte("x")).Bytes()}},
	}
	a, err := m.Marshal()
	require.NoError(t, err)
	b, err := m.Marshal()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
