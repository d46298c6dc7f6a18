package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/schoolworks/aegis/pkg/apperr"
	"github.com/schoolworks/aegis/pkg/httputil"
	"github.com/schoolworks/aegis/pkg/observability"
)

// Recovery converts handler panics into 500 responses
func Recovery(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithFields(map[string]interface{}{
						"panic": rec,
						"path":  r.URL.Path,
						"stack": string(debug.Stack()),
					}).Error("handler panic recovered")
					httputil.WriteError(w, apperr.ErrInternal)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// RequestLogging emits one structured line per request
func RequestLogging(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.WithRequest(r.Context()).WithFields(map[string]interface{}{
				"method": r.Method,
				"path":   r.URL.Path,
				"ip":     httputil.ClientIP(r),
			}).Debug("request received")
			next.ServeHTTP(w, r)
		})
	}
}
