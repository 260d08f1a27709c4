package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/httprate"
)

// RateLimit returns an HTTP middleware that limits requests per IP address
// to the specified number per minute. Uses a sliding window algorithm.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.LimitByIP(requestsPerMinute, time.Minute)
}

// RateLimitByKey limits admitted requests per API key. It must run after
// Admission. Requests admitted through the legacy key share one bucket, and
// requests without a principal fall back to the client IP.
func RateLimitByKey(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			p := GetPrincipal(r.Context())
			if p == nil {
				return httprate.KeyByIP(r)
			}
			if p.Type == PrincipalLegacy {
				return "legacy", nil
			}
			return "key:" + strconv.FormatInt(p.KeyID, 10), nil
		}),
	)
}
