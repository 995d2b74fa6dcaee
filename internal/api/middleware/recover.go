package middleware

import (
	"net/http"

	"github.com/skygames/payout-engine/internal/api/problem"
	"go.uber.org/zap"
)

// Recover turns handler panics into a problem response instead of a dropped
// connection.
func Recover(log *zap.Logger) func(http.Handler) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.Error("handler panicked",
						zap.Any("panic", rec),
						zap.String("request_id", RequestIDFrom(r.Context())),
						zap.String("path", r.URL.Path),
						zap.Stack("stack"))
					problem.Internal(w, r)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
