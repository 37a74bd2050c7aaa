// Package raw is the catch-all leaf format: any buffer nothing else claims.
package raw

import (
	"bytes"
	"io"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/libragraph-com/vault/format"
	"github.com/libragraph-com/vault/pkg/buffer"
)

const Key = "raw"

type factory struct{}

func NewFactory() format.Factory { return factory{} }

func (factory) Key() string { return Key }

func (factory) Criteria() format.DetectionCriteria {
	return format.DetectionCriteria{CatchAll: true, Priority: 0}
}

func (factory) New(buf *buffer.Buffer, _ string) format.Handler {
	return &handler{buf: buf}
}

type handler struct {
	buf *buffer.Buffer
}

func (h *handler) HasChildren() bool  { return false }
func (h *handler) Compressible() bool { return true }

func (h *handler) Capabilities() format.Capabilities { return format.Capabilities{} }

func (h *handler) Children() (*format.Extraction, error) {
	return nil, errors.New("raw buffers have no children")
}

func (h *handler) Reconstruct(_ []byte, _ []format.Child, _ io.Writer) error {
	return errors.New("raw buffers are leaves")
}

func (h *handler) Metadata() map[string]string { return nil }

// Text exposes the contents verbatim when they are plain text.
func (h *handler) Text() (string, bool) {
	data := h.buf.Bytes()
	if len(data) == 0 || !utf8.Valid(data) || bytes.IndexByte(data, 0) >= 0 {
		return "", false
	}
	return string(data), true
}
