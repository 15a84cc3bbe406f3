// Package transport models the connection-pool contract of spec.md §6:
// fetch_hdr/recycle/close, narrowed to what the fetch state machine needs
// from an HTTP/1 backend connection. The wire codec itself stays out of
// scope (spec.md §1); this package wraps net/http as the implementation.
package transport

import (
	stderrors "errors"
	"io"
	"net/http"

	"github.com/pkg/errors"
)

// FetchResult is the Open-Question decision of SPEC_FULL.md §6.1: a
// 3-valued result so "recycled connection lost before a byte was read"
// can never be confused with a generic header-read failure.
type FetchResult struct {
	Resp        *http.Response
	RecycleLost bool
	Err         error
}

// Conn is one exclusively-owned upstream connection for the lifetime of a
// fetch attempt (spec.md §3 `vbc`).
type Conn interface {
	// FetchHeader sends req and reads the response headers, returning a
	// FetchResult per the 3-valued contract above (spec.md §6
	// `fetch_hdr(wrk, bo, req) -> 0 ok | 1 recycle-lost | other fatal`).
	FetchHeader(req *http.Request) FetchResult
	// Recycle returns the connection to the pool for reuse.
	Recycle()
	// Close tears the connection down without returning it to the pool.
	Close() error
}

// Pool hands out Conns for a backend address (spec.md §6 "connection
// pool").
type Pool interface {
	Get() (Conn, error)
}

// HTTPPool is a Pool backed by a single http.Client/http.Transport, the
// narrowest seam the fetch core needs (spec.md §1 "Out of scope: the
// HTTP/1 wire codec").
type HTTPPool struct {
	client *http.Client
}

// NewHTTPPool returns an HTTPPool reusing rt's connection pooling (the
// standard library already recycles idle connections per Keep-Alive; we
// only need to surface "connection closed before headers arrived" as
// RecycleLost).
func NewHTTPPool(rt http.RoundTripper) *HTTPPool {
	return &HTTPPool{client: &http.Client{Transport: rt}}
}

func (p *HTTPPool) Get() (Conn, error) {
	return &httpConn{client: p.client}, nil
}

type httpConn struct {
	client *http.Client
	resp   *http.Response
}

// FetchHeader dispatches req and classifies the outcome. A closed-idle
// connection surfaces from net/http as an *http.httpError wrapping
// io.ErrUnexpectedEOF or as io.EOF on the first read attempt; both are
// treated as RecycleLost (spec.md §6 Open Question, SPEC_FULL.md §6.1).
func (c *httpConn) FetchHeader(req *http.Request) FetchResult {
	resp, err := c.client.Do(req)
	if err == nil {
		c.resp = resp
		return FetchResult{Resp: resp}
	}
	if isRecycleLost(err) {
		return FetchResult{RecycleLost: true, Err: err}
	}
	return FetchResult{Err: errors.Wrap(err, "transport: fetch header")}
}

func isRecycleLost(err error) bool {
	if err == nil {
		return false
	}
	return stderrors.Is(err, io.EOF) || stderrors.Is(err, io.ErrUnexpectedEOF)
}

// Recycle lets the standard transport's idle-connection pool reclaim the
// underlying TCP connection by draining and closing the response body.
func (c *httpConn) Recycle() {
	if c.resp != nil {
		io.Copy(io.Discard, c.resp.Body) //nolint:errcheck
		c.resp.Body.Close()
	}
}

// Close forcibly closes the response body without allowing connection
// reuse (should_close path, spec.md §3).
func (c *httpConn) Close() error {
	if c.resp == nil {
		return nil
	}
	return c.resp.Body.Close()
}
