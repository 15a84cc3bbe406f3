// Package vcl models the policy-interpreter contract of spec.md §6: the
// three hooks the fetch state machine invokes, as a Go interface rather
// than a language/interpreter (spec.md §1 "Out of scope: the VCL policy
// interpreter").
package vcl

import "net/http"

// FetchVerdict is backend_fetch's advisory return (spec.md §6).
type FetchVerdict int

const (
	Fetch FetchVerdict = iota
	Abandon
)

// ResponseVerdict is backend_response's advisory return (spec.md §6).
type ResponseVerdict int

const (
	Deliver ResponseVerdict = iota
	Retry
)

// Hooks is the 3-hook policy contract, invoked with "(vcl, worker, null,
// busyobj, workspace)" in the original; here narrowed to the header
// blocks each hook is permitted to observe or mutate (spec.md §6).
type Hooks interface {
	// BackendFetch runs before upstream dispatch; it may mutate bereq.
	BackendFetch(bereq http.Header) FetchVerdict
	// BackendResponse runs after headers arrive; it may mutate beresp.
	BackendResponse(bereq, beresp http.Header) ResponseVerdict
	// BackendError synthesizes or rewrites the 503 response; it must
	// return Deliver (spec.md §6: "must return DELIVER").
	BackendError(synthetic http.Header) ResponseVerdict
}

// AlwaysDeliver is the trivial policy used by tests and by a minimal
// binary configuration: fetch everything, never retry, deliver every
// synthetic error as-is.
type AlwaysDeliver struct{}

func (AlwaysDeliver) BackendFetch(http.Header) FetchVerdict { return Fetch }

func (AlwaysDeliver) BackendResponse(http.Header, http.Header) ResponseVerdict {
	return Deliver
}

func (AlwaysDeliver) BackendError(http.Header) ResponseVerdict { return Deliver }
