package format

import (
	"bytes"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// match classes, strongest first
const (
	matchNone = iota
	matchCatchAll
	matchExtension
	matchMIME
	matchMagic
)

// Registry holds the registered format factories and selects one per
// candidate. Selection order: highest priority, then strongest match class
// (magic beats MIME beats extension), then registration order.
type Registry struct {
	factories []Factory
	byKey     map[string]Factory
}

func NewRegistry(factories ...Factory) *Registry {
	r := &Registry{byKey: map[string]Factory{}}
	for _, f := range factories {
		r.Register(f)
	}
	return r
}

func (r *Registry) Register(f Factory) {
	if _, ok := r.byKey[f.Key()]; ok {
		panic("format factory already registered: " + f.Key())
	}
	r.factories = append(r.factories, f)
	r.byKey[f.Key()] = f
}

// Lookup returns the factory for a manifest format key.
func (r *Registry) Lookup(key string) (Factory, error) {
	f, ok := r.byKey[key]
	if !ok {
		return nil, errors.Wrap(ErrNoHandler, key)
	}
	return f, nil
}

// Detect picks the factory for a candidate. header is the leading bytes of
// the buffer; filename and mimeType are hints and may be empty. Returns nil
// when nothing matches, which cannot happen while a catch-all is registered.
func (r *Registry) Detect(header []byte, filename, mimeType string) Factory {
	var (
		best      Factory
		bestClass = matchNone
		bestPrio  int
	)
	for _, f := range r.factories {
		class := classify(f.Criteria(), header, filename, mimeType)
		if class == matchNone {
			continue
		}
		prio := f.Criteria().Priority
		if best == nil || prio > bestPrio || (prio == bestPrio && class > bestClass) {
			best, bestClass, bestPrio = f, class, prio
		}
	}
	return best
}

func classify(c DetectionCriteria, header []byte, filename, mimeType string) int {
	for _, m := range c.Magic {
		if m.Offset+len(m.Bytes) <= len(header) && bytes.Equal(header[m.Offset:m.Offset+len(m.Bytes)], m.Bytes) {
			return matchMagic
		}
	}
	if mimeType != "" {
		for _, mt := range c.MIMETypes {
			if strings.EqualFold(mt, mimeType) {
				return matchMIME
			}
		}
	}
	if filename != "" {
		ext := filepath.Ext(filename)
		for _, e := range c.Extensions {
			if strings.EqualFold(e, ext) {
				return matchExtension
			}
		}
	}
	if c.CatchAll {
		return matchCatchAll
	}
	return matchNone
}
