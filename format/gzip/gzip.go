// Package gzip decomposes gzip streams. Recompression is not bit-faithful
// across implementations, so the tier is STORED: the original stream is kept
// as a leaf and the decompressed payload is indexed through a bonus ingest.
package gzip

import (
	"io"
	"path"
	"strings"

	kgzip "github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/format"
	"github.com/libragraph-com/vault/pkg/buffer"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

const Key = "gzip"

type factory struct{}

func NewFactory() format.Factory { return factory{} }

func (factory) Key() string { return Key }

func (factory) Criteria() format.DetectionCriteria {
	return format.DetectionCriteria{
		MIMETypes:  []string{"application/gzip", "application/x-gzip"},
		Extensions: []string{".gz", ".tgz"},
		Magic:      []format.Magic{{Offset: 0, Bytes: []byte{0x1f, 0x8b}}},
		Priority:   90,
	}
}

func (factory) New(buf *buffer.Buffer, filename string) format.Handler {
	return &handler{buf: buf, filename: filename}
}

type handler struct {
	buf      *buffer.Buffer
	filename string
}

func (h *handler) HasChildren() bool  { return true }
func (h *handler) Compressible() bool { return false }

func (h *handler) Capabilities() format.Capabilities {
	return format.Capabilities{
		Tier:                format.TierStored,
		PreservesTimestamps: true,
		PreservesOrder:      true,
	}
}

func (h *handler) Children() (*format.Extraction, error) {
	gr, err := kgzip.NewReader(h.buf.Reader())
	if err != nil {
		return nil, errors.Wrap(err, "opening gzip")
	}
	defer gr.Close()

	content, err := buffer.FromReader(gr)
	if err != nil {
		return nil, errors.Wrap(err, "decompressing gzip")
	}

	return &format.Extraction{
		Children: []format.Child{{
			Path:    h.childName(gr.Header),
			Content: content,
			Type:    manifest.EntryTypeFile,
			MTime:   gr.Header.ModTime,
		}},
	}, nil
}

// childName prefers the embedded original name, then the outer filename with
// its gzip suffix stripped.
func (h *handler) childName(hdr kgzip.Header) string {
	if hdr.Name != "" {
		return hdr.Name
	}
	base := path.Base(h.filename)
	switch {
	case strings.HasSuffix(base, ".tgz"):
		return strings.TrimSuffix(base, ".tgz") + ".tar"
	case strings.HasSuffix(base, ".gz"):
		return strings.TrimSuffix(base, ".gz")
	case base != "" && base != ".":
		return base
	}
	return "data"
}

func (h *handler) Reconstruct(_ []byte, _ []format.Child, _ io.Writer) error {
	return errors.New("gzip containers are stored, not reconstructed")
}

func (h *handler) Metadata() map[string]string {
	gr, err := kgzip.NewReader(h.buf.Reader())
	if err != nil {
		return nil
	}
	defer gr.Close()
	m := map[string]string{}
	if gr.Header.Name != "" {
		m["gzip.name"] = gr.Header.Name
	}
	if gr.Header.Comment != "" {
		m["gzip.comment"] = gr.Header.Comment
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

func (h *handler) Text() (string, bool) { return "", false }
