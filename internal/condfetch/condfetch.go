// Package condfetch implements conditional refresh (spec.md §4.2,
// component C5): rebuilding a fresh object from a stale one after upstream
// answers 304 to a revalidation.
package condfetch

import (
	"context"
	"net/http"
	"time"

	"github.com/edgeproxy/edgecache/internal/busyobj"
	"github.com/edgeproxy/edgecache/internal/storage"
	"github.com/pkg/errors"
)

// ErrShortCopy is returned when fewer bytes were copied than the stale
// object's recorded length (spec.md §4.2 "terminal invariant: bytes
// copied = stale length").
var ErrShortCopy = errors.New("condfetch: copied fewer bytes than stale object length")

// Run builds a new object from stale's stored chunks and headers (never
// from the upstream 304 response, which only confirmed freshness), then
// re-arms stale's expiry so it becomes eligible for retirement once
// references drain (spec.md §4.2).
func Run(ctx context.Context, store storage.Store, stale *busyobj.StaleObject) (*storage.Object, http.Header, error) {
	newObj, err := store.NewObject(storage.Hint{SizeHint: stale.Len}, stale.Len, len(stale.Headers))
	if err != nil {
		return nil, nil, errors.Wrap(err, "condfetch: allocating refreshed object")
	}

	// The storage allocator itself supplies the backpressure spec.md §4.2
	// calls for: Write refuses (ErrNoSpace) once the allocator is out of
	// room, stopping the copy right there. A counting semaphore around a
	// loop that waits for its own previous iteration to finish would bound
	// nothing already concurrent; ctx is still honored so a cancelled
	// revalidation aborts the copy promptly.
	copied := 0
	for _, chunk := range stale.Chunks {
		if err := ctx.Err(); err != nil {
			return nil, nil, errors.Wrap(err, "condfetch: copy cancelled")
		}
		n, werr := newObj.Write(chunk.Ptr[:chunk.Len])
		if werr != nil {
			return nil, nil, errors.Wrap(werr, "condfetch: copying stale chunk")
		}
		copied += n
	}
	if copied != stale.Len {
		return nil, nil, errors.Wrapf(ErrShortCopy, "copied %d, want %d", copied, stale.Len)
	}

	newObj.GzipStart = stale.GzipStart
	newObj.GzipLast = stale.GzipLast
	newObj.GzipStop = stale.GzipStop

	headers := cloneHeader(stale.Headers)
	rearmStale(stale)
	return newObj, headers, nil
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

// rearmStale re-arms the stale object's expiry to ttl=grace=keep=0 at its
// origin time, so eviction can retire it once references drain
// (spec.md §4.2). The Vary blob is carried over unchanged via the cloned
// header; gzip_start/last/stop are copied onto the new object by Run.
func rearmStale(stale *busyobj.StaleObject) {
	if stale.Exp == nil {
		return
	}
	stale.Exp.TTL = 0
	stale.Exp.Grace = 0
	stale.Exp.Keep = 0
	stale.Exp.TOrigin = time.Now().Unix()
}
