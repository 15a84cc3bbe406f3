package fetch

import (
	"context"

	"github.com/edgeproxy/edgecache/internal/busyobj"
	"github.com/edgeproxy/edgecache/internal/hashidx"
	"github.com/sirupsen/logrus"
	"resenje.org/singleflight"
)

// Mode is the caller's relationship to the fetch it is entering (spec.md
// §4.6 "(request, objcore, oldobj, mode)").
type Mode int

const (
	Normal Mode = iota
	Pass
	Background
)

// Coordinator is the backend-fetch entry point (spec.md §4.6, component
// C8): it collapses concurrent callers racing for the same cache key onto
// a single in-flight Machine.Run via singleflight, then applies the
// per-mode wait contract against that Machine's BusyObj.
type Coordinator struct {
	group singleflight.Group[string, *Result]
	idx   hashidx.Index
	log   *logrus.Entry
}

// NewCoordinator returns a Coordinator backed by idx for objcore
// reference counting.
func NewCoordinator(idx hashidx.Index, log *logrus.Entry) *Coordinator {
	return &Coordinator{idx: idx, log: log}
}

// Fetch runs (or joins) the fetch for key using m, honoring the wait
// contract of spec.md §4.6:
//   - Normal/Pass: reference the objcore, wait until FETCHING, then (when
//     not streaming) further to FINISHED, and drop the reference before
//     returning. Either way Fetch then waits for Machine.Run to return so
//     it can hand back the Result, so a streaming caller also returns only
//     once the fetch has completed.
//   - Background: wait only until REQ_DONE, then return without waiting
//     for the fetch to finish.
//
// Concurrent callers sharing key collapse onto one Machine.Run via the
// singleflight group; the Machine passed by whichever caller loses the
// race is never executed, so all callers for a given key must construct
// an equivalent Machine against the same BO.
func (c *Coordinator) Fetch(ctx context.Context, key string, mode Mode, m *Machine) (*Result, error) {
	if mode != Background {
		c.idx.Ref(m.BO.FetchObjcore)
		defer c.idx.Deref(m.BO.FetchObjcore)
	}

	done := make(chan struct{})
	var res *Result
	var runErr error
	go func() {
		defer close(done)
		v, err, _ := c.group.Do(ctx, key, func(ctx context.Context) (*Result, error) {
			if serr := m.BO.SetState(busyobj.ReqDone); serr != nil {
				return nil, serr
			}
			return m.Run(ctx), nil
		})
		if err != nil {
			runErr = err
			return
		}
		res = v
	}()

	if mode == Background {
		if err := m.BO.Wait(ctx, busyobj.ReqDone); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := m.BO.Wait(ctx, busyobj.Fetching); err != nil {
		return nil, err
	}
	if !m.BO.Flags.DoStream {
		if err := m.BO.Wait(ctx, busyobj.Finished); err != nil {
			return nil, err
		}
	}

	select {
	case <-done:
		if runErr != nil {
			return nil, runErr
		}
		if res.FailedFlag && !m.BO.FetchObjcore.Has(hashidx.FailedFlag) {
			c.log.WithField("vxid", m.BO.VXID).Warn("fetch: FAILED state without objcore FAILED flag")
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
