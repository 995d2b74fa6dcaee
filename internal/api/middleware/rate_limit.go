package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"
	"github.com/skygames/payout-engine/internal/api/problem"
)

// RateLimit throttles by client IP.
func RateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(requests, window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			problem.New(http.StatusTooManyRequests, "Too Many Requests",
				"rate limit exceeded, slow down").Write(w, r)
		}),
	)
}
