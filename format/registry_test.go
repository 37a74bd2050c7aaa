package format

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/libragraph-com/vault/pkg/buffer"
)

type fakeFactory struct {
	key      string
	criteria DetectionCriteria
}

func (f fakeFactory) Key() string                        { return f.key }
func (f fakeFactory) Criteria() DetectionCriteria        { return f.criteria }
func (f fakeFactory) New(*buffer.Buffer, string) Handler { return nil }

func TestDetect(t *testing.T) {
	archive := fakeFactory{key: "archive", criteria: DetectionCriteria{
		Magic:      []Magic{{Offset: 0, Bytes: []byte("AR")}},
		MIMETypes:  []string{"application/x-archive"},
		Extensions: []string{".ar"},
		Priority:   100,
	}}
	text := fakeFactory{key: "text", criteria: DetectionCriteria{
		Extensions: []string{".txt"},
		Priority:   50,
	}}
	catchAll := fakeFactory{key: "any", criteria: DetectionCriteria{CatchAll: true}}

	r := NewRegistry(archive, text, catchAll)

	tests := []struct {
		name     string
		header   []byte
		filename string
		mimeType string
		want     string
	}{
		{"magic match", []byte("ARxxxx"), "", "", "archive"},
		{"mime match", []byte("other"), "", "application/x-archive", "archive"},
		{"extension match", []byte("other"), "notes.AR", "", "archive"},
		{"lower priority extension", []byte("other"), "notes.txt", "", "text"},
		{"falls through to catch-all", []byte("other"), "notes.bin", "", "any"},
		{"empty header", nil, "", "", "any"},
		{"magic shorter than offset", []byte("A"), "", "", "any"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := r.Detect(tc.header, tc.filename, tc.mimeType)
			require.NotNil(t, f)
			assert.Equal(t, tc.want, f.Key())
		})
	}
}

func TestDetectPriorityBeatsMatchClass(t *testing.T) {
	byExt := fakeFactory{key: "by-ext", criteria: DetectionCriteria{
		Extensions: []string{".x"},
		Priority:   200,
	}}
	byMagic := fakeFactory{key: "by-magic", criteria: DetectionCriteria{
		Magic:    []Magic{{Offset: 0, Bytes: []byte("XX")}},
		Priority: 100,
	}}
	r := NewRegistry(byExt, byMagic)

	f := r.Detect([]byte("XXdata"), "file.x", "")
	require.NotNil(t, f)
	assert.Equal(t, "by-ext", f.Key())
}

func TestDetectTieBrokenByMatchClassThenOrder(t *testing.T) {
	byExt := fakeFactory{key: "by-ext", criteria: DetectionCriteria{
		Extensions: []string{".x"},
		Priority:   100,
	}}
	byMagic := fakeFactory{key: "by-magic", criteria: DetectionCriteria{
		Magic:    []Magic{{Offset: 0, Bytes: []byte("XX")}},
		Priority: 100,
	}}
	r := NewRegistry(byExt, byMagic)

	f := r.Detect([]byte("XXdata"), "file.x", "")
	require.NotNil(t, f)
	assert.Equal(t, "by-magic", f.Key(), "magic beats extension at equal priority")

	first := fakeFactory{key: "first", criteria: DetectionCriteria{Extensions: []string{".y"}, Priority: 10}}
	second := fakeFactory{key: "second", criteria: DetectionCriteria{Extensions: []string{".y"}, Priority: 10}}
	r = NewRegistry(first, second)
	f = r.Detect(nil, "file.y", "")
	require.NotNil(t, f)
	assert.Equal(t, "first", f.Key(), "registration order breaks ties")
}

func TestLookup(t *testing.T) {
	f := fakeFactory{key: "zip"}
	r := NewRegistry(f)

	got, err := r.Lookup("zip")
	require.NoError(t, err)
	assert.Equal(t, "zip", got.Key())

	_, err = r.Lookup("7z")
	assert.ErrorIs(t, err, ErrNoHandler)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	r := NewRegistry(fakeFactory{key: "zip"})
	assert.Panics(t, func() { r.Register(fakeFactory{key: "zip"}) })
}

func TestDetectNothingRegistered(t *testing.T) {
	r := NewRegistry()
	assert.Nil(t, r.Detect([]byte("data"), "f.bin", ""))
}
