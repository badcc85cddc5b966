package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"heimdall-backend/pkg/api"
)

// Recovery converts handler panics into 500 responses instead of dropped
// connections.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("handler panic",
						zap.String("requestId", GetRequestIDFromRequest(r)),
						zap.String("path", r.URL.Path),
						zap.Any("panic", err),
						zap.ByteString("stack", debug.Stack()))

					// A partially written response cannot be recovered; the
					// server closes the connection.
					if w.Header().Get("Content-Type") == "" {
						api.Error(w, http.StatusInternalServerError, "internal server error")
					}
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
