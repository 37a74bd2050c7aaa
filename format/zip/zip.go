// Package zip decomposes ZIP archives and replays them deterministically.
package zip

import (
	stdzip "archive/zip"
	"io"
	"strconv"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/format"
	"github.com/libragraph-com/vault/pkg/buffer"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

const Key = "zip"

// entryMeta is the per-entry opaque blob round-tripped through the manifest.
type entryMeta struct {
	Method        uint16 `cbor:"1,keyasint"`
	ExternalAttrs uint32 `cbor:"2,keyasint,omitempty"`
	Comment       string `cbor:"3,keyasint,omitempty"`
	NonUTF8       bool   `cbor:"4,keyasint,omitempty"`
}

// archiveMeta is the format-global blob.
type archiveMeta struct {
	Comment string `cbor:"1,keyasint,omitempty"`
}

type factory struct{}

func NewFactory() format.Factory { return factory{} }

func (factory) Key() string { return Key }

func (factory) Criteria() format.DetectionCriteria {
	return format.DetectionCriteria{
		MIMETypes:  []string{"application/zip"},
		Extensions: []string{".zip", ".jar"},
		Magic:      []format.Magic{{Offset: 0, Bytes: []byte("PK\x03\x04")}},
		Priority:   100,
	}
}

func (factory) New(buf *buffer.Buffer, _ string) format.Handler {
	return &handler{buf: buf}
}

type handler struct {
	buf *buffer.Buffer
}

func (h *handler) HasChildren() bool  { return true }
func (h *handler) Compressible() bool { return false }

func (h *handler) Capabilities() format.Capabilities {
	return format.Capabilities{
		Tier:                 format.TierReconstructable,
		PreservesTimestamps:  true,
		PreservesPermissions: true,
		PreservesOrder:       true,
	}
}

func (h *handler) Children() (*format.Extraction, error) {
	zr, err := stdzip.NewReader(h.buf.Reader(), int64(h.buf.Len()))
	if err != nil {
		return nil, errors.Wrap(err, "opening zip")
	}

	out := &format.Extraction{}
	if zr.Comment != "" {
		out.Meta, err = cbor.Marshal(archiveMeta{Comment: zr.Comment})
		if err != nil {
			return nil, errors.Wrap(err, "encoding zip metadata")
		}
	}

	for _, f := range zr.File {
		meta, err := cbor.Marshal(entryMeta{
			Method:        f.Method,
			ExternalAttrs: f.ExternalAttrs,
			Comment:       f.Comment,
			NonUTF8:       f.NonUTF8,
		})
		if err != nil {
			return nil, errors.Wrap(err, "encoding zip entry metadata")
		}

		child := format.Child{
			Path:       f.Name,
			MTime:      f.Modified,
			FormatMeta: meta,
		}
		switch {
		case f.Mode().IsDir() || strings.HasSuffix(f.Name, "/"):
			child.Type = manifest.EntryTypeDirectory
		default:
			child.Type = manifest.EntryTypeFile
			rc, err := f.Open()
			if err != nil {
				return nil, errors.Wrapf(err, "opening zip entry %s", f.Name)
			}
			child.Content, err = buffer.FromReader(rc)
			rc.Close()
			if err != nil {
				return nil, errors.Wrapf(err, "reading zip entry %s", f.Name)
			}
		}
		out.Children = append(out.Children, child)
	}
	return out, nil
}

// Reconstruct rebuilds the archive from the manifest children. Compressed
// entries are re-deflated with a pinned compressor so the output bytes are
// identical on every call.
func (h *handler) Reconstruct(meta []byte, children []format.Child, sink io.Writer) error {
	zw := stdzip.NewWriter(sink)
	zw.RegisterCompressor(stdzip.Deflate, func(w io.Writer) (io.WriteCloser, error) {
		return flate.NewWriter(w, flate.DefaultCompression)
	})

	if len(meta) > 0 {
		var am archiveMeta
		if err := cbor.Unmarshal(meta, &am); err != nil {
			return errors.Wrap(err, "decoding zip metadata")
		}
		if err := zw.SetComment(am.Comment); err != nil {
			return errors.Wrap(err, "setting zip comment")
		}
	}

	for _, child := range children {
		var em entryMeta
		if len(child.FormatMeta) > 0 {
			if err := cbor.Unmarshal(child.FormatMeta, &em); err != nil {
				return errors.Wrapf(err, "decoding zip entry metadata for %s", child.Path)
			}
		}

		fh := &stdzip.FileHeader{
			Name:          child.Path,
			Method:        em.Method,
			ExternalAttrs: em.ExternalAttrs,
			Comment:       em.Comment,
			NonUTF8:       em.NonUTF8,
			Modified:      child.MTime,
		}
		if child.Type == manifest.EntryTypeDirectory {
			fh.Method = stdzip.Store
			if !strings.HasSuffix(fh.Name, "/") {
				fh.Name += "/"
			}
		}

		w, err := zw.CreateHeader(fh)
		if err != nil {
			return errors.Wrapf(err, "writing zip entry %s", child.Path)
		}
		if child.Type == manifest.EntryTypeFile && child.Content != nil {
			if _, err := w.Write(child.Content.Bytes()); err != nil {
				return errors.Wrapf(err, "writing zip entry %s", child.Path)
			}
		}
	}
	return errors.Wrap(zw.Close(), "finishing zip")
}

func (h *handler) Metadata() map[string]string {
	zr, err := stdzip.NewReader(h.buf.Reader(), int64(h.buf.Len()))
	if err != nil {
		return nil
	}
	m := map[string]string{"zip.entries": strconv.Itoa(len(zr.File))}
	if zr.Comment != "" {
		m["zip.comment"] = zr.Comment
	}
	return m
}

func (h *handler) Text() (string, bool) { return "", false }
