package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// KeyFunc picks the bucket a request is counted against.
type KeyFunc func(r *http.Request) string

type bucket struct {
	count int
	until time.Time
}

// RateLimit allows limit requests per window and key. A nil key counts per
// client IP. Rejected requests get 429 with Retry-After.
func RateLimit(limit int, per time.Duration, key KeyFunc) func(http.Handler) http.Handler {
	if key == nil {
		key = ClientIP
	}
	var (
		mu        sync.Mutex
		buckets   = make(map[string]*bucket)
		nextSweep time.Time
	)
	return func(next http.Handler) http.Handler {
		if limit <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			k := key(r)
			now := time.Now()

			mu.Lock()
			if now.After(nextSweep) {
				for id, b := range buckets {
					if now.After(b.until) {
						delete(buckets, id)
					}
				}
				nextSweep = now.Add(per)
			}
			b, ok := buckets[k]
			if !ok || now.After(b.until) {
				b = &bucket{until: now.Add(per)}
				buckets[k] = b
			}
			if b.count >= limit {
				retry := int(b.until.Sub(now).Seconds()) + 1
				mu.Unlock()
				w.Header().Set("Retry-After", strconv.Itoa(retry))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"ok":false,"error":"too many requests"}`))
				return
			}
			b.count++
			mu.Unlock()
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the first valid X-Forwarded-For address, or the remote
// host.
func ClientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		for _, part := range strings.Split(xf, ",") {
			ip := strings.TrimSpace(part)
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && net.ParseIP(host) != nil {
		return host
	}
	return r.RemoteAddr
}
