// Package hashidx models the hash-index contract of spec.md §6: the
// cache-index entry (objcore) a fetch owns, its lifecycle flags, and the
// Ref/Deref/Unbusy/Complete/Fail operations the fetch state machine calls
// against it. The index itself (lookup, eviction) is out of scope
// (spec.md §1); this package only carries the narrow seam C6 consumes.
package hashidx

import (
	"sync/atomic"

	digest "github.com/opencontainers/go-digest"
)

// Flag is one bit of an Objcore's lifecycle flags (spec.md §6).
type Flag uint32

const (
	Busy Flag = 1 << iota
	Pass
	Private
	FailedFlag
)

// Index is the hash-index contract's narrow seam: Ref/Deref/Unbusy/
// Complete/Fail against an Objcore (spec.md §6).
type Index interface {
	Ref(oc *Objcore)
	Deref(oc *Objcore) bool
	Unbusy(oc *Objcore)
	Complete(oc *Objcore)
	Fail(oc *Objcore)
}

// Objcore is the cache-index slot a fetch owns (spec.md §3 `fetch_objcore`,
// §6 glossary "Objcore"). Key is the content-addressed cache key (the
// request's method/URL/Vary fingerprint digest), matching how moby keys
// blobs in its content store.
type Objcore struct {
	Key      digest.Digest
	flags    uint32
	refcount int32
}

// NewObjcore returns a fresh Objcore with BUSY set, matching the state a
// fetch's entry point publishes before scheduling (spec.md §4.6).
func NewObjcore(key digest.Digest) *Objcore {
	oc := &Objcore{Key: key}
	oc.Set(Busy)
	return oc
}

// Has reports whether flag is set.
func (oc *Objcore) Has(flag Flag) bool {
	return atomic.LoadUint32(&oc.flags)&uint32(flag) != 0
}

// Set atomically ORs flag into the flag set.
func (oc *Objcore) Set(flag Flag) {
	for {
		old := atomic.LoadUint32(&oc.flags)
		if atomic.CompareAndSwapUint32(&oc.flags, old, old|uint32(flag)) {
			return
		}
	}
}

// Clear atomically clears flag.
func (oc *Objcore) Clear(flag Flag) {
	for {
		old := atomic.LoadUint32(&oc.flags)
		if atomic.CompareAndSwapUint32(&oc.flags, old, old&^uint32(flag)) {
			return
		}
	}
}

// memIndex is an in-memory Index sufficient to drive the fetch FSM in
// tests; a production build would back this with the real cache index.
type memIndex struct{}

// NewMemIndex returns a trivial Index with no persistence, enough to
// satisfy the Ref/Deref/Unbusy/Complete/Fail contract for tests.
func NewMemIndex() Index { return memIndex{} }

func (memIndex) Ref(oc *Objcore) { atomic.AddInt32(&oc.refcount, 1) }

func (memIndex) Deref(oc *Objcore) bool {
	return atomic.AddInt32(&oc.refcount, -1) == 0
}

// Unbusy clears BUSY (spec.md §3 invariant: "at most one fetch task
// observes a given fetch_objcore with BUSY set; the flag is cleared
// exactly once by that task").
func (memIndex) Unbusy(oc *Objcore) { oc.Clear(Busy) }

func (memIndex) Complete(oc *Objcore) { oc.Clear(Busy) }

func (memIndex) Fail(oc *Objcore) {
	oc.Set(FailedFlag)
	oc.Clear(Busy)
}
