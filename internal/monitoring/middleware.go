package monitoring

import (
	"net/http"
	"time"
)

// RouteFunc names the route of a request for metric labels. Returning the
// raw path is fine for fixed routes but explodes cardinality for templated ones.
type RouteFunc func(r *http.Request) string

// Middleware records request counts and latency for every handled request.
func (m *Metrics) Middleware(route RouteFunc) func(http.Handler) http.Handler {
	if route == nil {
		route = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			m.RecordHTTPRequest(r.Method, route(r), wrapped.statusCode, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.statusCode = code
	s.ResponseWriter.WriteHeader(code)
}
