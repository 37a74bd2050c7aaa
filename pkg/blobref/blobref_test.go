package blobref

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashBytes(t *testing.T) {
	a := HashBytes([]byte("Hello, World!"))
	b := HashBytes([]byte("Hello, World!"))
	c := HashBytes([]byte("hello, world!"))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Len(t, a.String(), HexSize)
	assert.Equal(t, strings.ToLower(a.String()), a.String())
}

func TestContentHashRoundTrip(t *testing.T) {
	h := HashBytes([]byte("payload"))

	parsed, err := ParseContentHash(h.String())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = ParseContentHash("short")
	assert.Error(t, err)

	_, err = ParseContentHash(strings.ToUpper(h.String()))
	assert.Error(t, err, "uppercase hex must be rejected")

	_, err = HashFromBytes(make([]byte, 15))
	assert.Error(t, err)
}

func TestBlobRefString(t *testing.T) {
	h := HashBytes([]byte("x"))

	leaf, err := NewLeaf(h, 42)
	require.NoError(t, err)
	assert.Equal(t, h.String()+"-42", leaf.String())
	assert.False(t, IsContainerKey(leaf.Key()))

	container, err := NewContainer(h, 42)
	require.NoError(t, err)
	assert.Equal(t, h.String()+"-42_", container.String())
	assert.True(t, IsContainerKey(container.Key()))
}

func TestBlobRefRoundTrip(t *testing.T) {
	for _, data := range [][]byte{
		[]byte("a"),
		[]byte("some longer content with\nnewlines"),
		make([]byte, 1<<16),
	} {
		leaf, err := ForBytes(data)
		require.NoError(t, err)

		parsed, err := Parse(leaf.String())
		require.NoError(t, err)
		assert.Equal(t, leaf, parsed)

		container, err := NewContainer(leaf.Hash, leaf.Size)
		require.NoError(t, err)
		parsed, err = Parse(container.String())
		require.NoError(t, err)
		assert.Equal(t, container, parsed)
	}
}

func TestBlobRefRejectsZeroSize(t *testing.T) {
	h := HashBytes(nil)

	_, err := NewLeaf(h, 0)
	assert.Error(t, err)

	_, err = NewContainer(h, 0)
	assert.Error(t, err)

	_, err = Parse(h.String() + "-0")
	assert.Error(t, err)
}

func TestParseRejectsMalformed(t *testing.T) {
	h := HashBytes([]byte("y")).String()

	for _, s := range []string{
		"",
		"_",
		"nonsense",
		h,             // no size
		h + "-",       // empty size
		h + "-+1",     // explicit sign
		h + "-01",     // leading zero is not canonical
		h + "-12x",    // trailing garbage
		h + "-1__",    // double suffix
		"zz" + h[2:] + "-1", // bad hex
	} {
		_, err := Parse(s)
		assert.Error(t, err, "expected %q to fail", s)
	}
}
