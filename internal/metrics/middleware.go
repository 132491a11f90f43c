package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// errorCategories maps specific client statuses to the api_errors label.
// Anything else in 4xx is client_error, 5xx is server_error.
var errorCategories = map[int]string{
	http.StatusBadRequest:            "bad_request",
	http.StatusRequestEntityTooLarge: "bad_request",
	http.StatusNotFound:              "not_found",
	http.StatusConflict:              "conflict",
	http.StatusTooManyRequests:       "rate_limited",
}

// HTTPMiddleware counts API requests per route pattern and status and
// observes their latency. It is a no-op until SetGlobal is called.
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := Global()
		if m == nil {
			next.ServeHTTP(w, r)
			return
		}

		began := time.Now()
		rw := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(rw, r)
		m.observeRequest(r, rw.Status(), time.Since(began))
	})
}

func (m *Metrics) observeRequest(r *http.Request, status int, took time.Duration) {
	if status == 0 {
		// handler wrote nothing, net/http answers 200
		status = http.StatusOK
	}
	route := normalizePath(r)

	m.APIRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
	m.APIRequestDurationSeconds.WithLabelValues(r.Method, route).Observe(took.Seconds())
	if status >= http.StatusBadRequest {
		m.APIErrorsTotal.WithLabelValues(categorizeStatus(status)).Inc()
	}
}

// normalizePath returns the matched chi pattern. Unrouted paths get their
// uuid segments (generated campaign ids) collapsed to {id}.
func normalizePath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	segments := strings.Split(r.URL.Path, "/")
	for i, seg := range segments {
		if len(seg) != 36 {
			continue
		}
		if uuid.Validate(seg) == nil {
			segments[i] = "{id}"
		}
	}
	return strings.Join(segments, "/")
}

func categorizeStatus(status int) string {
	if category, ok := errorCategories[status]; ok {
		return category
	}
	switch {
	case status >= 500:
		return "server_error"
	case status >= 400:
		return "client_error"
	}
	return "unknown"
}
