// Package vfp implements the pull-based body filter stack (spec.md §4.1,
// component C4). A Filter pulls decoded bytes from the filter beneath it on
// demand; storage backpressure propagates upward by the caller simply not
// calling Pull again until it has room.
package vfp

import (
	"io"

	"github.com/pkg/errors"
)

// Filter is one stage of the pull chain. Pull fills p with up to len(p)
// bytes of this stage's output, reading from whatever source (another
// Filter, or the network) it wraps. It returns io.EOF once its own source
// is exhausted, mirroring io.Reader.
type Filter interface {
	Pull(p []byte) (int, error)
}

// FilterFunc adapts a function to the Filter interface.
type FilterFunc func(p []byte) (int, error)

func (f FilterFunc) Pull(p []byte) (int, error) { return f(p) }

// Stack is an ordered sequence of filters; Pull drains the last one, which
// in turn pulls from the one before it. Errors from any stage abort the
// pull (spec.md §4.1 "Backpressure": a VFP error closes the upstream
// connection).
type Stack struct {
	head Filter
}

// NewStack composes filters in application order: filters[0] wraps src
// directly, filters[1] wraps filters[0], and so on. The caller pulls from
// the returned Stack, which is equivalent to pulling from the last filter.
func NewStack(src io.Reader, filters ...func(io.Reader) Filter) *Stack {
	var cur Filter = readerFilter{src}
	for _, mk := range filters {
		cur = mk(asReader(cur))
	}
	return &Stack{head: cur}
}

func (s *Stack) Pull(p []byte) (int, error) {
	if s.head == nil {
		return 0, io.EOF
	}
	return s.head.Pull(p)
}

type readerFilter struct{ r io.Reader }

func (rf readerFilter) Pull(p []byte) (int, error) { return rf.r.Read(p) }

// asReader lets a Filter be handed to stdlib decompressors (gzip.NewReader
// etc.) that expect io.Reader.
func asReader(f Filter) io.Reader {
	return filterReader{f}
}

type filterReader struct{ f Filter }

func (fr filterReader) Read(p []byte) (int, error) { return fr.f.Pull(p) }

// ErrFilter is a sentinel for a filter-stage failure. No filter in this
// package wraps its errors with it.
var ErrFilter = errors.New("vfp: filter stage failed")
