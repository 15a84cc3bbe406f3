// Package busyobj implements the BusyObj (BO) data model of spec.md §3/§4.5
// (component C7): the reference-counted "in-flight fetch" record whose
// state transitions are observed by many waiters under a single writer.
package busyobj

import (
	"context"
	"net/http"
	"sync"

	"github.com/docker/go-events"
	"github.com/edgeproxy/edgecache/internal/hashidx"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// State is the BO's monotonic lifecycle enum (spec.md §3).
type State int

const (
	Invalid State = iota
	ReqDone
	Committed
	Fetching
	Finished
	Failed
)

func (s State) String() string {
	switch s {
	case Invalid:
		return "INVALID"
	case ReqDone:
		return "REQ_DONE"
	case Committed:
		return "COMMITTED"
	case Fetching:
		return "FETCHING"
	case Finished:
		return "FINISHED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// ErrStateWentBackwards guards the "state never decreases" invariant of
// spec.md §3; reaching it means a caller tried to regress the FSM.
var ErrStateWentBackwards = errors.New("busyobj: state must not decrease")

// Flags mirrors spec.md §3's BO boolean flag set.
type Flags struct {
	DoPass      bool
	DoStream    bool
	DoGzip      bool
	DoGunzip    bool
	DoESI       bool
	IsGzip      bool
	IsGunzip    bool
	Uncacheable bool
	ShouldClose bool
}

// StateChanged is broadcast on go-events.Sink subscribers on every
// transition (SPEC_FULL.md §3 domain stack wiring).
type StateChanged struct {
	VXID uuid.UUID
	From State
	To   State
}

// RetryLinked is broadcast once per RETRY transition, carrying the new
// transaction id (spec.md §4.5 "Log identity").
type RetryLinked struct {
	Old uuid.UUID
	New uuid.UUID
}

// BusyObj is the unit of one in-flight fetch (spec.md §3). It is not safe
// for concurrent field access outside the accessors below; the owning
// fetch task is the sole mutator (spec.md §5 "single-writer, many-reader").
type BusyObj struct {
	mu    sync.Mutex
	state State
	cond  *sync.Cond

	refcount int32

	VXID uuid.UUID

	Flags Flags
	Exp   Expiry

	BodyStatus BodyStatus

	Retries    int
	MaxRetries int

	Bereq0 http.Header
	Bereq  http.Header
	Beresp http.Header

	FetchObjcore *hashidx.Objcore
	IMSObj       *StaleObject

	sink events.Sink
}

// Expiry is the freshness envelope (spec.md §3 `exp`).
type Expiry struct {
	TTL      float64
	Grace    float64
	Keep     float64
	TOrigin  int64
}

// BodyStatus mirrors htc.body_status (spec.md §3).
type BodyStatus int

const (
	BodyNone BodyStatus = iota
	BodyLength
	BodyChunked
	BodyEOF
	BodyError
)

// New returns a BusyObj with refcount=2 (task + caller) and state INVALID,
// per spec.md §4.5.
func New(sink events.Sink, maxRetries int) *BusyObj {
	bo := &BusyObj{
		state:      Invalid,
		refcount:   2,
		VXID:       uuid.New(),
		MaxRetries: maxRetries,
		sink:       sink,
		Bereq0:     make(http.Header),
	}
	bo.cond = sync.NewCond(&bo.mu)
	return bo
}

// State returns the current state under lock.
func (bo *BusyObj) State() State {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.state
}

// SetState advances the BO to next, which must be ≥ the current state
// (spec.md §3 invariant "state never decreases"). It wakes every waiter
// blocked in Wait and emits a StateChanged event.
func (bo *BusyObj) SetState(next State) error {
	bo.mu.Lock()
	if next < bo.state {
		bo.mu.Unlock()
		return errors.Wrapf(ErrStateWentBackwards, "%s -> %s", bo.state, next)
	}
	prev := bo.state
	bo.state = next
	bo.mu.Unlock()

	bo.cond.Broadcast()
	if bo.sink != nil && prev != next {
		_ = bo.sink.Write(StateChanged{VXID: bo.VXID, From: prev, To: next})
	}
	return nil
}

// Wait blocks until the BO reaches at least min or ctx is cancelled. It is
// safe for any number of concurrent waiters
// (spec.md §4.5 "block until state ≥ X").
func (bo *BusyObj) Wait(ctx context.Context, min State) error {
	done := make(chan struct{})
	go func() {
		bo.mu.Lock()
		for bo.state < min {
			if ctx.Err() != nil {
				bo.mu.Unlock()
				close(done)
				return
			}
			bo.cond.Wait()
		}
		bo.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		if bo.State() < min {
			return ctx.Err()
		}
		return nil
	case <-ctx.Done():
		// Wake the goroutine blocked in cond.Wait so it can observe
		// ctx.Err() and exit; a spurious extra Broadcast is harmless.
		bo.cond.Broadcast()
		return ctx.Err()
	}
}

// Ref increments the shared-ownership refcount (spec.md §4.5).
func (bo *BusyObj) Ref() {
	bo.mu.Lock()
	bo.refcount++
	bo.mu.Unlock()
}

// Deref decrements the refcount, reporting whether it reached zero. The
// caller is responsible for tearing down owned resources (header blocks,
// upstream connection) exactly once when this returns true.
func (bo *BusyObj) Deref() bool {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	bo.refcount--
	if bo.refcount < 0 {
		panic("busyobj: refcount went negative")
	}
	return bo.refcount == 0
}

// Retry allocates a fresh transaction id for the next attempt and emits a
// RetryLinked event (spec.md §4.5 "Log identity").
func (bo *BusyObj) Retry() uuid.UUID {
	bo.mu.Lock()
	old := bo.VXID
	next := uuid.New()
	bo.VXID = next
	bo.Retries++
	bo.mu.Unlock()

	if bo.sink != nil {
		_ = bo.sink.Write(RetryLinked{Old: old, New: next})
	}
	return next
}

// RetriesExhausted reports whether another RETRY would exceed MaxRetries
// (spec.md §7 error kind 7, §8 "retries ≤ max_retries").
func (bo *BusyObj) RetriesExhausted() bool {
	bo.mu.Lock()
	defer bo.mu.Unlock()
	return bo.Retries >= bo.MaxRetries
}

// StaleObject is the narrow view condfetch needs of an IMS object: its
// stored headers and chunked body (spec.md §4.2).
type StaleObject struct {
	Headers    http.Header
	Chunks     []Chunk
	Len        int
	LastModTag string // Last-Modified or ETag, whichever gated the IMS
	GzipStart  int
	GzipLast   int
	GzipStop   int
	Exp        *Expiry
}

// Chunk is one stored body segment (spec.md §6 storage contract).
type Chunk struct {
	Ptr []byte
	Len int
}
