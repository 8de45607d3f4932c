package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catalog-similarity-engine/internal/metrics"
	"catalog-similarity-engine/internal/observability"
)

// RouterOptions controls optional routes.
type RouterOptions struct {
	MetricsEnabled bool
	MetricsPath    string
}

// statusWriter captures the response status for the access log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs one line per request with its latency.
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			observability.WithRequestID(r.Context(), logger).Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration", time.Since(start),
			)
		})
	}
}

// NewRouter creates and configures the HTTP router.
func NewRouter(s *Server, opts RouterOptions) *mux.Router {
	r := mux.NewRouter()

	r.Use(observability.RequestIDMiddleware)
	r.Use(loggingMiddleware(s.log))
	r.Use(metrics.Middleware)

	r.HandleFunc("/search", s.HandleSearch).Methods(http.MethodPost)
	r.HandleFunc("/products/{id}/embedding", s.HandlePutEmbedding).Methods(http.MethodPut)
	r.HandleFunc("/products/{id}/embedding", s.HandleDeleteEmbedding).Methods(http.MethodDelete)
	r.HandleFunc("/products/{id}/image", s.HandlePostImage).Methods(http.MethodPost)
	r.HandleFunc("/admin/rebuild", s.HandleRebuild).Methods(http.MethodPost)
	r.HandleFunc("/health", s.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.HandleStats).Methods(http.MethodGet)

	if opts.MetricsEnabled {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Handle(path, promhttp.Handler()).Methods(http.MethodGet)
	}
	return r
}
