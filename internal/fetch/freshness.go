package fetch

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/edgeproxy/edgecache/internal/busyobj"
)

// deriveExpiry computes the freshness envelope FETCHHDR must derive via
// RFC-2616 (spec.md §3 `exp`, §4.1 FETCHHDR "Derive TTL/grace/keep"),
// mirroring where the original calls RFC2616_Ttl: right after body_status
// is classified, before VCL sees the headers (cache_fetch.c's
// vbf_stp_startfetch, `EXP_Clr(&bo->exp); RFC2616_Ttl(bo);`).
//
// Cache-Control s-maxage/max-age take priority over Expires, which is
// read relative to the response's own Date header (falling back to now
// when Date is absent or unparsable). no-store/no-cache/private collapse
// ttl to 0; the caller applies the separate PRIVATE-objcore override
// (negative ttl) since that depends on fetch_objcore, not beresp alone.
func deriveExpiry(beresp http.Header, now time.Time) busyobj.Expiry {
	date := now
	if d := beresp.Get("Date"); d != "" {
		if t, err := http.ParseTime(d); err == nil {
			date = t
		}
	}

	ttl := -1.0
	noCache := false
	for _, dir := range strings.Split(beresp.Get("Cache-Control"), ",") {
		dir = strings.TrimSpace(dir)
		lower := strings.ToLower(dir)
		switch {
		case lower == "no-store" || lower == "no-cache" || lower == "private":
			noCache = true
		case strings.HasPrefix(lower, "s-maxage="):
			if v, err := strconv.ParseFloat(dir[len("s-maxage="):], 64); err == nil {
				ttl = v
			}
		case strings.HasPrefix(lower, "max-age="):
			if ttl < 0 {
				if v, err := strconv.ParseFloat(dir[len("max-age="):], 64); err == nil {
					ttl = v
				}
			}
		}
	}

	if noCache {
		ttl = 0
	} else if ttl < 0 {
		if e := beresp.Get("Expires"); e != "" {
			if t, err := http.ParseTime(e); err == nil {
				ttl = t.Sub(date).Seconds()
			}
		}
	}
	if ttl < 0 {
		ttl = 0
	}

	return busyobj.Expiry{TTL: ttl, TOrigin: now.Unix()}
}
