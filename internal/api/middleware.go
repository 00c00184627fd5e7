package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/hearthd/hearthd/internal/metrics"
)

// metricsMiddleware wraps the mux to record per-request metrics.
type metricsMiddleware struct {
	next http.Handler
}

func newMetricsMiddleware(next http.Handler) http.Handler {
	return &metricsMiddleware{next: next}
}

func (m *metricsMiddleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	m.next.ServeHTTP(sw, r)
	metrics.APIRequests.WithLabelValues(r.Method, normalizePath(r.URL.Path),
		strconv.Itoa(sw.status)).Inc()
}

// statusWriter captures the HTTP status code.
type statusWriter struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wrote {
		w.status = code
		w.wrote = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wrote {
		w.wrote = true
	}
	return w.ResponseWriter.Write(b)
}

// normalizePath collapses the per-IP path so label cardinality stays flat.
func normalizePath(path string) string {
	if strings.HasPrefix(path, "/api/client/") {
		return "/api/client/{ip}"
	}
	return path
}
