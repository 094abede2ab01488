package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/middleware"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// withLogging wraps the response writer to capture status/size and logs
// one line per request, health checks at Debug rather than Info.
func withLogging(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				fields := []zap.Field{
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("req_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("size", ww.BytesWritten()),
					zap.Int64("latency_ms", time.Since(start).Milliseconds()),
				}
				if r.URL.Path == "/health" {
					logger.Debug("served", fields...)
				} else {
					logger.Info("served", fields...)
				}
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

func withCORS(allowedOrigins []string) func(http.Handler) http.Handler {
	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return corsHandler.Handler
}
