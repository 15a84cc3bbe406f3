package vfp

import (
	"compress/gzip"
	"io"

	"github.com/pkg/errors"
)

// GunzipFilter decodes a gzip-framed upstream body into plain bytes.
func GunzipFilter(src io.Reader) Filter {
	zr, err := gzip.NewReader(src)
	if err != nil {
		return FilterFunc(func(p []byte) (int, error) {
			return 0, errors.Wrap(err, "vfp: gunzip: opening stream")
		})
	}
	return FilterFunc(func(p []byte) (int, error) {
		n, err := zr.Read(p)
		if err != nil && err != io.EOF {
			err = errors.Wrap(err, "vfp: gunzip")
		}
		return n, err
	})
}

// GzipFilter compresses plain bytes into gzip framing on the fly, used when
// the backend answered uncompressed but the client response should be
// gzipped (spec.md §4.1 filter clause 5).
type gzipFilter struct {
	src  io.Reader
	pr   *io.PipeReader
	pw   *io.PipeWriter
	zw   *gzip.Writer
	done chan struct{}
}

func GzipFilter(src io.Reader) Filter {
	pr, pw := io.Pipe()
	zw := gzip.NewWriter(pw)
	g := &gzipFilter{src: src, pr: pr, pw: pw, zw: zw, done: make(chan struct{})}
	go g.drain()
	return g
}

func (g *gzipFilter) drain() {
	defer close(g.done)
	buf := make([]byte, 32*1024)
	for {
		n, err := g.src.Read(buf)
		if n > 0 {
			if _, werr := g.zw.Write(buf[:n]); werr != nil {
				g.pw.CloseWithError(errors.Wrap(werr, "vfp: gzip: writing"))
				return
			}
		}
		if err != nil {
			if err == io.EOF {
				if cerr := g.zw.Close(); cerr != nil {
					g.pw.CloseWithError(errors.Wrap(cerr, "vfp: gzip: closing"))
					return
				}
				g.pw.Close()
				return
			}
			g.pw.CloseWithError(errors.Wrap(err, "vfp: gzip: reading source"))
			return
		}
	}
}

func (g *gzipFilter) Pull(p []byte) (int, error) {
	n, err := g.pr.Read(p)
	if err != nil && err != io.EOF {
		err = errors.Wrap(err, "vfp: gzip")
	}
	return n, err
}

// TestGunzipFilter validates a gzip stream's integrity without altering the
// bytes delivered: compressed bytes are passed straight through to the
// caller, while a tee'd copy is drained through a real gzip.Reader in the
// background so a corrupt stream surfaces as an error without requiring
// the caller to buffer or re-decode anything (spec.md §4.1 clause 6,
// "integrity-only").
type testGunzipFilter struct {
	pass io.Reader
	pw   *io.PipeWriter
	errc chan error
}

func TestGunzipFilter(src io.Reader) Filter {
	pr, pw := io.Pipe()
	tee := io.TeeReader(src, pw)
	errc := make(chan error, 1)
	go func() {
		zr, err := gzip.NewReader(pr)
		if err != nil {
			pr.CloseWithError(err)
			errc <- err
			return
		}
		_, err = io.Copy(io.Discard, zr)
		pr.CloseWithError(err)
		errc <- err
	}()
	return &testGunzipFilter{pass: tee, pw: pw, errc: errc}
}

func (t *testGunzipFilter) Pull(p []byte) (int, error) {
	n, err := t.pass.Read(p)
	if err == io.EOF {
		t.pw.Close() // unblocks the shadow reader's final Read with EOF
		if verr := <-t.errc; verr != nil && verr != io.EOF {
			return n, errors.Wrap(verr, "vfp: test-gunzip: corrupt stream")
		}
	}
	return n, err
}
