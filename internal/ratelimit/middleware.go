package ratelimit

import (
	"math"
	"net/http"
	"strconv"
)

// DefaultRetryAfterSeconds is the Retry-After floor sent with a 429.
const DefaultRetryAfterSeconds = 1

// Middleware throttles requests per key and answers 429 Too Many Requests
// when a key is over budget. Requests with an empty key pass through.
func Middleware(p *Pacer, keyFn func(r *http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := keyFn(r)
			if key == "" || p == nil {
				next.ServeHTTP(w, r)
				return
			}

			limiter := p.Limiter(key)
			if !limiter.Allow() {
				retryAfter := DefaultRetryAfterSeconds
				if lim := float64(limiter.Limit()); lim > 0 && !math.IsInf(lim, 1) {
					retryAfter = max(retryAfter, int(math.Ceil(1/lim)))
				}
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Content-Type", "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte("Too Many Requests"))
				return
			}

			remaining := max(int(limiter.Tokens()), 0)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))

			next.ServeHTTP(w, r)
		})
	}
}
