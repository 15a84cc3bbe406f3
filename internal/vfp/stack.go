package vfp

import (
	"io"
	"strings"
)

// Intent captures the booleans spec.md §4.1 "Filter stack composition"
// evaluates in source order to decide which filters to push.
type Intent struct {
	DoGunzip bool
	DoESI    bool
	DoGzip   bool
	IsGzip   bool // Content-Encoding: gzip on the upstream response
}

// BuildStack applies spec.md §4.1's filter composition rules in source
// order and returns the assembled pull chain, plus (when an ESI stage was
// pushed) the *ESIFilter so the caller can recover the VEC program and any
// parse error once the pull completes.
//
// Clause 1 (gunzip) and clauses 2-6 are independent: clause 1 may push a
// decompression stage ahead of whichever single clause among 2-6 fires, so
// an "esi-gzip" branch never needs to decompress twice — when clause 3
// applies (do_esi, already gzip'ed, no explicit do_gunzip) clause 1 has
// already turned the body plain by the time esi-gzip runs; when clause 2
// applies (do_esi, do_gzip) the body was never gzip'ed to begin with, so
// clause 1 does not fire and esi-gzip parses the original plain bytes.
func BuildStack(src io.Reader, in Intent) (head Filter, esiStage *ESIFilter, weakenETag bool) {
	cur := src
	if in.DoGunzip || (in.IsGzip && in.DoESI) {
		cur = asReader(GunzipFilter(src))
		weakenETag = true
	}

	switch {
	case in.DoESI && in.DoGzip:
		es := NewESIFilter(cur)
		return GzipFilter(asReader(FilterFunc(es.Pull))), es, true
	case in.DoESI && in.IsGzip && !in.DoGunzip:
		es := NewESIFilter(cur)
		return GzipFilter(asReader(FilterFunc(es.Pull))), es, true
	case in.DoESI:
		es := NewESIFilter(cur)
		return es, es, weakenETag
	case in.DoGzip:
		return GzipFilter(cur), nil, true
	case in.IsGzip && !in.DoGunzip:
		return TestGunzipFilter(cur), nil, weakenETag
	default:
		return FilterFunc(func(p []byte) (int, error) { return cur.Read(p) }), nil, weakenETag
	}
}

// WeakenETag rewrites a strong validator into a weak one per RFC 7232 §2.1,
// applied once per FETCH-state filter-stack branch that transcodes the
// body (spec.md §4.1).
func WeakenETag(etag string) string {
	if etag == "" || strings.HasPrefix(etag, "W/") {
		return etag
	}
	return "W/" + etag
}
