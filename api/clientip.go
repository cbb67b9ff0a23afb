package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/ironkeep/custody"
	"github.com/jmcleod/ironkeep/internal/lockout"
)

// authPolicy locks a client IP out after ten bad bearer tokens.
var authPolicy = lockout.Policy{
	Threshold: 10,
	Base:      time.Minute,
	Max:       30 * time.Minute,
	Expiry:    time.Hour,
}

// writeRateLimited answers 429 with the lockout remaining in both the
// Retry-After header and the body.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	writeRetryAfter(w, retryAfter, "too many failed attempts; try again later")
}

// writeRetryAfter answers 429 with the wait in whole seconds, at least one,
// in both the Retry-After header and the body.
func writeRetryAfter(w http.ResponseWriter, retryAfter time.Duration, msg string) {
	secs := retryAfterSeconds(retryAfter)
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
		Error:      msg,
		Code:       custody.CodeBackoff,
		RetryAfter: secs,
	})
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(d.Round(time.Second)/time.Second))
}

func (a *API) clientIP(r *http.Request) string {
	return clientIP(r, a.trustedProxies)
}

// clientIP attributes r to a client address. Forwarding headers count only
// when the peer is a trusted proxy; X-Forwarded-For is then walked from the
// right, past further trusted hops, so entries a client prepends are never
// believed. X-Real-IP is the fallback.
func clientIP(r *http.Request, trusted []netip.Prefix) string {
	peer, ok := parseAddr(r.RemoteAddr)
	if !ok {
		return ""
	}
	if !isTrusted(peer, trusted) {
		return peer.String()
	}
	if xff := r.Header.Values("X-Forwarded-For"); len(xff) > 0 {
		hops := strings.Split(strings.Join(xff, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, ok := parseAddr(hops[i])
			if !ok {
				continue
			}
			if !isTrusted(hop, trusted) {
				return hop.String()
			}
		}
	}
	if xr, ok := parseAddr(r.Header.Get("X-Real-IP")); ok {
		return xr.String()
	}
	return peer.String()
}

func isTrusted(addr netip.Addr, trusted []netip.Prefix) bool {
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// parseAddr accepts a bare IP or host:port, with optional brackets, quotes
// and IPv6 zone. IPv4-mapped IPv6 is unmapped.
func parseAddr(raw string) (netip.Addr, bool) {
	s := strings.Trim(strings.TrimSpace(raw), `"`)
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.WithZone("").Unmap(), true
}
