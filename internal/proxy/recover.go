package proxy

import (
	"net/http"

	"go.uber.org/zap"
)

// Recover turns a handler panic into a 500 for that request. The listener
// and every other connection keep running.
func Recover(logger *zap.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.Error("panic recovered",
					zap.String("url", r.URL.String()),
					zap.Any("panic", rec),
					zap.Stack("stack"))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
