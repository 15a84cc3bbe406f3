package vfp

import (
	"io"

	"github.com/edgeproxy/edgecache/internal/esi"
)

// ESIFilter is a pass-through filter that also feeds every pulled byte
// through an esi.Parser, so the VEC program is ready the moment the body
// is fully pulled. Unlike gzip/gunzip, it never changes what flows to
// storage — ESI rewriting happens at delivery time against the stored
// VEC program, not during fetch (spec.md §4.3).
type ESIFilter struct {
	src    io.Reader
	parser *esi.Parser
	err    error
}

// NewESIFilter wraps src, parsing every byte pulled through it.
func NewESIFilter(src io.Reader) *ESIFilter {
	return &ESIFilter{src: src, parser: esi.NewParser()}
}

func (f *ESIFilter) Pull(p []byte) (int, error) {
	n, err := f.src.Read(p)
	if n > 0 && f.err == nil {
		if ferr := f.parser.Feed(p[:n]); ferr != nil {
			f.err = ferr
		}
	}
	if err == io.EOF {
		if f.err == nil {
			f.err = f.parser.Finish()
		}
	}
	return n, err
}

// Program returns the VEC bytes accumulated so far. Call after the body
// has been fully pulled (EOF seen) for a complete program.
func (f *ESIFilter) Program() []byte { return f.parser.Program() }

// Err reports any parser failure encountered while feeding bytes.
func (f *ESIFilter) Err() error { return f.err }
