// Package tar decomposes tar archives. Header fields are carried through the
// manifest so the replay is byte-identical for archives whose trailer is
// plain zero padding, which covers GNU and POSIX tar output.
package tar

import (
	stdtar "archive/tar"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/format"
	"github.com/libragraph-com/vault/pkg/buffer"
	"github.com/libragraph-com/vault/vaultdb/manifest"
)

const Key = "tar"

type entryMeta struct {
	Typeflag byte   `cbor:"1,keyasint"`
	Linkname string `cbor:"2,keyasint,omitempty"`
	Mode     int64  `cbor:"3,keyasint,omitempty"`
	UID      int    `cbor:"4,keyasint,omitempty"`
	GID      int    `cbor:"5,keyasint,omitempty"`
	Uname    string `cbor:"6,keyasint,omitempty"`
	Gname    string `cbor:"7,keyasint,omitempty"`
	Devmajor int64  `cbor:"8,keyasint,omitempty"`
	Devminor int64  `cbor:"9,keyasint,omitempty"`
	Format   int    `cbor:"10,keyasint,omitempty"`
}

// archiveMeta records the total archive size so the replay can restore the
// original trailer padding.
type archiveMeta struct {
	Size uint64 `cbor:"1,keyasint"`
}

type factory struct{}

func NewFactory() format.Factory { return factory{} }

func (factory) Key() string { return Key }

func (factory) Criteria() format.DetectionCriteria {
	return format.DetectionCriteria{
		MIMETypes:  []string{"application/x-tar"},
		Extensions: []string{".tar"},
		Magic:      []format.Magic{{Offset: 257, Bytes: []byte("ustar")}},
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
func (h *handler) Compressible() bool { return true }

func (h *handler) Capabilities() format.Capabilities {
	return format.Capabilities{
		Tier:                 format.TierReconstructable,
		PreservesTimestamps:  true,
		PreservesPermissions: true,
		PreservesOrder:       true,
	}
}

func (h *handler) Children() (*format.Extraction, error) {
	meta, err := cbor.Marshal(archiveMeta{Size: uint64(h.buf.Len())})
	if err != nil {
		return nil, errors.Wrap(err, "encoding tar metadata")
	}
	out := &format.Extraction{Meta: meta}

	tr := stdtar.NewReader(h.buf.Reader())
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading tar")
		}

		em, err := cbor.Marshal(entryMeta{
			Typeflag: hdr.Typeflag,
			Linkname: hdr.Linkname,
			Mode:     hdr.Mode,
			UID:      hdr.Uid,
			GID:      hdr.Gid,
			Uname:    hdr.Uname,
			Gname:    hdr.Gname,
			Devmajor: hdr.Devmajor,
			Devminor: hdr.Devminor,
			Format:   int(hdr.Format),
		})
		if err != nil {
			return nil, errors.Wrapf(err, "encoding tar entry metadata for %s", hdr.Name)
		}

		child := format.Child{
			Path:       hdr.Name,
			MTime:      hdr.ModTime,
			FormatMeta: em,
		}
		switch hdr.Typeflag {
		case stdtar.TypeDir:
			child.Type = manifest.EntryTypeDirectory
		case stdtar.TypeSymlink, stdtar.TypeLink:
			child.Type = manifest.EntryTypeSymlink
		default:
			child.Type = manifest.EntryTypeFile
			child.Content, err = buffer.FromReader(tr)
			if err != nil {
				return nil, errors.Wrapf(err, "reading tar entry %s", hdr.Name)
			}
		}
		out.Children = append(out.Children, child)
	}
}

func (h *handler) Reconstruct(meta []byte, children []format.Child, sink io.Writer) error {
	var am archiveMeta
	if len(meta) > 0 {
		if err := cbor.Unmarshal(meta, &am); err != nil {
			return errors.Wrap(err, "decoding tar metadata")
		}
	}

	cw := &countingWriter{w: sink}
	tw := stdtar.NewWriter(cw)

	for _, child := range children {
		var em entryMeta
		if len(child.FormatMeta) > 0 {
			if err := cbor.Unmarshal(child.FormatMeta, &em); err != nil {
				return errors.Wrapf(err, "decoding tar entry metadata for %s", child.Path)
			}
		}

		hdr := &stdtar.Header{
			Name:     child.Path,
			Typeflag: em.Typeflag,
			Linkname: em.Linkname,
			Mode:     em.Mode,
			Uid:      em.UID,
			Gid:      em.GID,
			Uname:    em.Uname,
			Gname:    em.Gname,
			Devmajor: em.Devmajor,
			Devminor: em.Devminor,
			Format:   stdtar.Format(em.Format),
			ModTime:  child.MTime,
		}
		if child.Type == manifest.EntryTypeFile && child.Content != nil {
			hdr.Size = int64(child.Content.Len())
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return errors.Wrapf(err, "writing tar entry %s", child.Path)
		}
		if hdr.Size > 0 {
			if _, err := tw.Write(child.Content.Bytes()); err != nil {
				return errors.Wrapf(err, "writing tar entry %s", child.Path)
			}
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "finishing tar")
	}

	// restore the original trailer padding
	if am.Size > cw.n {
		if _, err := cw.Write(make([]byte, am.Size-cw.n)); err != nil {
			return errors.Wrap(err, "padding tar trailer")
		}
	}
	return nil
}

func (h *handler) Metadata() map[string]string { return nil }
func (h *handler) Text() (string, bool)        { return "", false }

type countingWriter struct {
	w io.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}
