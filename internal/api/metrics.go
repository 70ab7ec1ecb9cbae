package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus collectors of the HTTP surface:
//
//	cityaccess_http_request_count - Number of requests served.
//	cityaccess_http_request_duration - Request duration histogram, in seconds.
//	cityaccess_query_results - Facilities returned per query.
//
// Request metrics carry method, path and code labels. The path is the chi
// route pattern, so unknown URLs collapse into "/-".
type metrics struct {
	requestCount    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	queryResults    *prometheus.HistogramVec
}

var requestLabelNames = []string{"method", "path", "code"}

// register adds c to reg, reusing an identical collector that is already
// registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	requestCount, err := register(reg, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cityaccess",
			Subsystem: "http",
			Name:      "request_count",
			Help:      "Number of requests served.",
		},
		requestLabelNames,
	))
	if err != nil {
		return nil, err
	}

	requestDuration, err := register(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cityaccess",
			Subsystem: "http",
			Name:      "request_duration",
			Help:      "Request duration in seconds.",
			Buckets:   []float64{0.005, 0.025, 0.1, 0.5, 1, 5},
		},
		requestLabelNames,
	))
	if err != nil {
		return nil, err
	}

	queryResults, err := register(reg, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cityaccess",
			Subsystem: "query",
			Name:      "results",
			Help:      "Number of facilities returned per query.",
			Buckets:   []float64{0, 1, 5, 10, 20, 100, 1000},
		},
		[]string{"op"},
	))
	if err != nil {
		return nil, err
	}

	return &metrics{
		requestCount:    requestCount,
		requestDuration: requestDuration,
		queryResults:    queryResults,
	}, nil
}

// statusRecorder captures the response code written by the next handler.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// middleware records request count and duration.
func (m *metrics) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		path := "/-"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		labels := prometheus.Labels{
			"method": r.Method,
			"path":   path,
			"code":   strconv.Itoa(rec.code),
		}
		m.requestCount.With(labels).Inc()
		m.requestDuration.With(labels).Observe(elapsed.Seconds())
	})
}
