// Package fetch implements the top-level fetch state machine (spec.md
// §4.1, component C6) and the backend-fetch entry point (spec.md §4.6,
// component C8).
package fetch

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgeproxy/edgecache/internal/busyobj"
	"github.com/edgeproxy/edgecache/internal/condfetch"
	"github.com/edgeproxy/edgecache/internal/hashidx"
	"github.com/edgeproxy/edgecache/internal/metrics"
	"github.com/edgeproxy/edgecache/internal/storage"
	"github.com/edgeproxy/edgecache/internal/transport"
	"github.com/edgeproxy/edgecache/internal/vcl"
	"github.com/edgeproxy/edgecache/internal/vfp"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// state is the FSM's internal step label (spec.md §4.1). SPEC_FULL.md §6
// decision 2: every handler returns the next state explicitly and the
// driving loop re-dispatches immediately — there is no shared mutable
// local that could go stale across states.
type state int

const (
	stMkbereq state = iota
	stStartfetch
	stFetchhdr
	stRetry
	stFetch
	stCondfetch
	stError
	stDone
)

// ErrTooManyRetries is the sentinel the FSM branches on when a
// (retries+1)-th header failure would exceed the BusyObj's MaxRetries
// (spec.md §7 error kind 7, §8).
var ErrTooManyRetries = errors.New("fetch: too many retries, delivering 503")

// ErrBodyUndecidable models BS_ERROR (spec.md §7 error kind 2).
var ErrBodyUndecidable = errors.New("fetch: backend response body status undecidable")

// Config carries the subset of config.Config the FSM consults directly.
type Config struct {
	HTTPGzipSupport bool
	Shortlived      time.Duration
	FetchChunksize  int
}

// Machine drives one BusyObj through MKBEREQ..DONE (spec.md §4.1).
type Machine struct {
	BO      *busyobj.BusyObj
	Hooks   vcl.Hooks
	Pool    transport.Pool
	Store   storage.Store
	Index   hashidx.Index
	Metrics *metrics.Set
	Cfg     Config
	Log     *logrus.Entry

	ClientReq  *http.Request
	BackendURL string

	conn        transport.Conn
	pendingResp *http.Response
	lastErr     error
	result      *Result
}

// Result is what a completed Machine.Run produced, enough for a caller
// (or test) to assert the end-to-end scenarios of spec.md §8.
type Result struct {
	Object     *storage.Object
	Headers    http.Header
	StatusCode int
	FailedFlag bool
	VFPErr     error
	ESIProgram []byte
}

// Run drives the FSM to completion, returning the terminal Result. It
// never returns an error itself (spec.md §7 "Propagation policy: all
// errors are recovered into a BO state transition"); Result.FailedFlag
// and Result.VFPErr report the outcome instead.
func (m *Machine) Run(ctx context.Context) *Result {
	st := stMkbereq
	for {
		next, err := m.step(ctx, st)
		if err != nil {
			m.Log.WithError(err).WithField("state", st).Warn("fetch: state handler error")
		}
		if next == stDone {
			return m.result
		}
		st = next
	}
}

func (m *Machine) step(ctx context.Context, st state) (state, error) {
	switch st {
	case stMkbereq:
		return m.mkbereq(ctx)
	case stStartfetch:
		return m.startfetch(ctx)
	case stFetchhdr:
		return m.fetchhdr(ctx)
	case stRetry:
		return m.retry(ctx)
	case stFetch:
		return m.fetch(ctx)
	case stCondfetch:
		return m.condfetch(ctx)
	case stError:
		return m.errorState(ctx)
	default:
		return stDone, errors.Errorf("fetch: unknown state %d", st)
	}
}

// mkbereq builds bereq0 (spec.md §4.1 MKBEREQ).
func (m *Machine) mkbereq(ctx context.Context) (state, error) {
	bereq0 := m.ClientReq.Header.Clone()
	if !m.BO.Flags.DoPass {
		m.ClientReq.Method = http.MethodGet
	}
	if m.Cfg.HTTPGzipSupport {
		bereq0.Set("Accept-Encoding", "gzip")
	}
	if ims := m.BO.IMSObj; ims != nil {
		if lm := ims.Headers.Get("Last-Modified"); lm != "" {
			bereq0.Set("If-Modified-Since", lm)
		} else if et := ims.Headers.Get("ETag"); et != "" {
			bereq0.Set("If-None-Match", et)
		}
	}
	m.BO.Bereq0 = bereq0
	return stStartfetch, nil
}

// startfetch invokes backend_fetch and appends the X-Varnish identity
// header (spec.md §4.1 STARTFETCH; SPEC_FULL.md §5 supplemented feature).
func (m *Machine) startfetch(ctx context.Context) (state, error) {
	m.BO.Bereq = m.BO.Bereq0.Clone()
	if m.Hooks.BackendFetch(m.BO.Bereq) == vcl.Abandon {
		m.Index.Fail(m.BO.FetchObjcore)
		if err := m.BO.SetState(busyobj.Failed); err != nil {
			return stDone, err
		}
		m.result = &Result{FailedFlag: true}
		return stDone, nil
	}
	m.BO.Bereq.Set("X-Varnish", m.BO.VXID.String())
	return stFetchhdr, nil
}

// fetchhdr dispatches upstream and classifies the response (spec.md §4.1
// FETCHHDR; SPEC_FULL.md §5 "recycle-lost single retry").
func (m *Machine) fetchhdr(ctx context.Context) (state, error) {
	conn, err := m.Pool.Get()
	if err != nil {
		return m.toError(errors.Wrap(err, "fetch: acquiring connection"))
	}
	m.conn = conn

	req, err := m.buildRequest(ctx)
	if err != nil {
		return m.toError(err)
	}

	res := conn.FetchHeader(req)
	if res.RecycleLost {
		if m.Metrics != nil {
			m.Metrics.BackendRetry.Inc()
		}
		conn, err = m.Pool.Get()
		if err != nil {
			return m.toError(errors.Wrap(err, "fetch: re-acquiring connection after recycle-lost"))
		}
		m.conn = conn
		res = conn.FetchHeader(req)
	}
	if res.Err != nil {
		return m.toError(res.Err)
	}

	resp := res.Resp
	m.BO.BodyStatus = classifyBodyStatus(resp)
	if m.BO.BodyStatus == busyobj.BodyError {
		return m.toError(ErrBodyUndecidable)
	}

	m.BO.Flags.IsGzip = resp.Header.Get("Content-Encoding") == "gzip"
	m.BO.Flags.IsGunzip = resp.Header.Get("Content-Encoding") == ""

	m.BO.Exp = deriveExpiry(resp.Header, time.Now())
	if m.BO.FetchObjcore.Has(hashidx.Private) {
		m.BO.Exp.TTL = -1
	}

	doIMS := false
	if m.BO.IMSObj != nil && resp.StatusCode == http.StatusNotModified {
		resp.StatusCode = http.StatusOK
		resp.Header.Set("Content-Length", strconv.Itoa(m.BO.IMSObj.Len))
		doIMS = true
	}
	if !validateVary(resp.Header, m.BO.Bereq) {
		// SPEC_FULL.md §5 "illegal-Vary coercion": don't fail the fetch,
		// just stop treating the response as cacheable.
		m.BO.Flags.Uncacheable = true
	}

	m.BO.Beresp = resp.Header
	verdict := m.Hooks.BackendResponse(m.BO.Bereq, m.BO.Beresp)
	if err := m.BO.SetState(busyobj.Committed); err != nil {
		return stDone, err
	}
	if m.BO.Flags.DoESI {
		// ESI-assembled bodies are never streamed: the delivery side needs
		// the complete VEC program before it can splice anything in
		// (original: vbf_stp_startfetch clears do_stream when do_esi).
		m.BO.Flags.DoStream = false
	}

	if verdict == vcl.Retry {
		if m.BO.RetriesExhausted() {
			return m.toError(ErrTooManyRetries)
		}
		m.conn.Close()
		return stRetry, nil
	}

	m.pendingResp = resp
	if doIMS {
		return stCondfetch, nil
	}
	return stFetch, nil
}

func (m *Machine) buildRequest(ctx context.Context) (*http.Request, error) {
	url := m.BackendURL
	req, err := http.NewRequestWithContext(ctx, m.ClientReq.Method, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetch: building backend request")
	}
	req.Header = m.BO.Bereq
	return req, nil
}

func classifyBodyStatus(resp *http.Response) busyobj.BodyStatus {
	if resp == nil {
		return busyobj.BodyError
	}
	switch {
	case resp.ContentLength >= 0 && resp.Header.Get("Transfer-Encoding") != "chunked":
		return busyobj.BodyLength
	case resp.Header.Get("Transfer-Encoding") == "chunked":
		return busyobj.BodyChunked
	default:
		return busyobj.BodyEOF
	}
}

// validateVary reports whether beresp's Vary is legal given the bereq the
// backend actually answered: `*` is always illegal (spec.md §7 error kind
// 5), and a backend that claims to vary on a header it was never sent is
// equally nonsensical — the cache has no value for that dimension to key
// on, so the Vary is rejected rather than trusted (SPEC_FULL.md §5
// "illegal-Vary coercion").
func validateVary(beresp http.Header, bereq http.Header) bool {
	vary := beresp.Get("Vary")
	if vary == "" {
		return true
	}
	for _, name := range strings.Split(vary, ",") {
		name = strings.TrimSpace(name)
		if name == "" || name == "*" {
			return false
		}
		if bereq.Get(name) == "" {
			return false
		}
	}
	return true
}

// retry allocates a fresh transaction id and loops back to STARTFETCH
// (spec.md §4.1 RETRY; §4.5 "Log identity").
func (m *Machine) retry(ctx context.Context) (state, error) {
	old := m.BO.VXID
	next := m.BO.Retry()
	m.Log.WithFields(logrus.Fields{"bereq": next, "retry": old}).Info("fetch: retry link")
	return stStartfetch, nil
}

// toError routes any fatal error through the ERROR state uniformly
// (spec.md §7 "Propagation policy").
func (m *Machine) toError(err error) (state, error) {
	m.lastErr = err
	return stError, err
}

// errorState synthesizes the 503 (spec.md §4.1 ERROR; §7 error kind 1).
func (m *Machine) errorState(ctx context.Context) (state, error) {
	synthetic := make(http.Header)
	synthetic.Set("Content-Type", "text/plain")
	m.Hooks.BackendError(synthetic)

	m.Index.Fail(m.BO.FetchObjcore)
	if err := m.BO.SetState(busyobj.Failed); err != nil {
		return stDone, err
	}
	if m.Metrics != nil {
		m.Metrics.FetchFailed.Inc()
	}
	m.result = &Result{
		Headers:    synthetic,
		StatusCode: http.StatusServiceUnavailable,
		FailedFlag: true,
		VFPErr:     m.lastErr,
	}
	return stDone, nil
}

// fetch resolves the filter stack, allocates storage, and pulls the body
// (spec.md §4.1 FETCH).
func (m *Machine) fetch(ctx context.Context) (state, error) {
	resp := m.pendingResp
	defer resp.Body.Close()

	m.BO.Flags.DoGunzip = m.BO.Flags.DoGunzip && m.BO.Flags.IsGzip
	m.BO.Flags.DoGzip = m.BO.Flags.DoGzip && !m.BO.Flags.IsGzip

	intent := vfp.Intent{
		DoGunzip: m.BO.Flags.DoGunzip,
		DoESI:    m.BO.Flags.DoESI,
		DoGzip:   m.BO.Flags.DoGzip,
		IsGzip:   m.BO.Flags.IsGzip,
	}
	head, esiStage, weaken := vfp.BuildStack(resp.Body, intent)
	if weaken {
		if et := resp.Header.Get("ETag"); et != "" {
			resp.Header.Set("ETag", vfp.WeakenETag(et))
		}
	}

	obj, salvaged, err := m.allocateObject(resp)
	if err != nil {
		return m.toError(err)
	}
	if m.Metrics != nil && salvaged {
		m.Metrics.StorageSalvaged.Inc()
	}

	// No reason to stream a non-existing body (original: vbf_stp_fetch
	// clears do_stream when body_status is BS_NONE).
	if m.BO.BodyStatus == busyobj.BodyNone {
		m.BO.Flags.DoStream = false
	}

	if err := m.BO.SetState(busyobj.Fetching); err != nil {
		return stDone, err
	}
	if m.BO.Flags.DoStream {
		// Un-busy now, before the body is pulled, so already-waiting
		// delivery threads can see partial content (spec.md §3/§4.1
		// "Streaming semantics").
		m.Index.Unbusy(m.BO.FetchObjcore)
	}

	buf := make([]byte, m.chunksize())
	for {
		n, rerr := head.Pull(buf)
		if n > 0 {
			if _, werr := obj.Write(buf[:n]); werr != nil {
				m.Index.Fail(m.BO.FetchObjcore)
				_ = m.BO.SetState(busyobj.Failed)
				m.result = &Result{Object: obj, FailedFlag: true, VFPErr: werr}
				return stDone, werr
			}
		}
		if rerr != nil {
			if rerr != io.EOF {
				m.Index.Fail(m.BO.FetchObjcore)
				_ = m.BO.SetState(busyobj.Failed)
				m.result = &Result{Object: obj, FailedFlag: true, VFPErr: rerr}
				return stDone, rerr
			}
			break
		}
	}

	var esiProgram []byte
	if esiStage != nil {
		esiProgram = esiStage.Program()
	}

	m.Index.Complete(m.BO.FetchObjcore)
	if err := m.BO.SetState(busyobj.Finished); err != nil {
		return stDone, err
	}
	m.result = &Result{
		Object:     obj,
		Headers:    resp.Header,
		StatusCode: resp.StatusCode,
		ESIProgram: esiProgram,
	}
	return stDone, nil
}

func (m *Machine) chunksize() int {
	if m.Cfg.FetchChunksize > 0 {
		return m.Cfg.FetchChunksize * 1024
	}
	return 32 * 1024
}

// allocateObject tries the primary allocator, falling back to transient
// salvage when the predicted TTL is below Shortlived (SPEC_FULL.md §5
// "transient-storage salvage thresholded by shortlived"; spec.md §7
// error kind 3).
func (m *Machine) allocateObject(resp *http.Response) (*storage.Object, bool, error) {
	size := int(resp.ContentLength)
	if size < 0 {
		size = m.chunksize()
	}
	obj, err := m.Store.NewObject(storage.Hint{SizeHint: size}, size, len(resp.Header))
	if err == nil {
		return obj, false, nil
	}
	if !errors.Is(err, storage.ErrNoSpace) {
		return nil, false, err
	}
	if m.BO.Exp.TTL >= m.Cfg.Shortlived.Seconds() {
		return nil, false, errors.Wrap(err, "fetch: storage refused and object is not short-lived")
	}
	obj, serr := m.Store.NewObject(storage.Hint{Transient: true, SizeHint: size}, size, len(resp.Header))
	if serr != nil {
		return nil, false, errors.Wrap(serr, "fetch: transient salvage also refused")
	}
	return obj, true, nil
}

// condfetch delegates to the condfetch package (spec.md §4.2, §4.1
// CONDFETCH).
func (m *Machine) condfetch(ctx context.Context) (state, error) {
	obj, headers, err := condfetch.Run(ctx, m.Store, m.BO.IMSObj)
	if err != nil {
		return m.toError(err)
	}
	m.Index.Complete(m.BO.FetchObjcore)
	if err := m.BO.SetState(busyobj.Finished); err != nil {
		return stDone, err
	}
	m.result = &Result{Object: obj, Headers: headers, StatusCode: http.StatusOK}
	return stDone, nil
}
