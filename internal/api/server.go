// Package api is the HTTP surface of the proximity query service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/geospatial"
	"github.com/cityaccess/cityaccess/internal/query"
)

// Querier answers the two read operations.
type Querier interface {
	Nearest(ctx context.Context, req query.Request) ([]geospatial.Nearby, error)
	All(ctx context.Context) ([]facility.Facility, error)
}

// Pinger reports store health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	// Collection is the plural resource name mounted next to /facilities,
	// e.g. "hospitals".
	Collection     string
	DefaultRadiusM float64
	CORSOrigins    []string
	Cache          *ResponseCache
	// Registerer and Gatherer back /metrics. Nil means the Prometheus defaults.
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
	// Pinger, if set, is checked by /health.
	Pinger Pinger
}

// FacilityJSON is one element of a facilities response.
type FacilityJSON struct {
	Name         string   `json:"name"`
	FacilityType string   `json:"facility_type,omitempty"`
	Lon          float64  `json:"lon"`
	Lat          float64  `json:"lat"`
	Address      string   `json:"address"`
	City         *string  `json:"city"`
	Postcode     *string  `json:"postcode"`
	Phone        *string  `json:"phone"`
	Website      *string  `json:"website"`
	Operator     *string  `json:"operator"`
	Emergency    *string  `json:"emergency"`
	Capacity     *int     `json:"capacity"`
	Source       string   `json:"source"`
	DistanceM    *float64 `json:"distance_m,omitempty"`
}

func toJSON(f facility.Facility) FacilityJSON {
	return FacilityJSON{
		Name:         f.Name,
		FacilityType: string(f.Type),
		Lon:          f.Location.Lon,
		Lat:          f.Location.Lat,
		Address:      f.Address,
		City:         f.City,
		Postcode:     f.Postcode,
		Phone:        f.Phone,
		Website:      f.Website,
		Operator:     f.Operator,
		Emergency:    f.Emergency,
		Capacity:     f.Capacity,
		Source:       f.Source,
	}
}

type server struct {
	q       Querier
	opts    Options
	metrics *metrics
	log     *zap.Logger
}

// NewRouter builds the chi router with CORS and request metrics.
func NewRouter(q Querier, opts Options) (http.Handler, error) {
	if opts.DefaultRadiusM <= 0 {
		opts.DefaultRadiusM = 2000
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	m, err := newMetrics(opts.Registerer)
	if err != nil {
		return nil, eris.Wrap(err, "api: register metrics")
	}

	s := &server{q: q, opts: opts, metrics: m, log: zap.L().With(zap.String("component", "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(m.middleware)

	r.Get("/", s.root)
	r.Get("/health", s.health)
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))

	collections := []string{"facilities"}
	if c := strings.Trim(opts.Collection, "/"); c != "" && c != "facilities" {
		collections = append(collections, c)
	}
	for _, c := range collections {
		r.Get("/"+c, s.facilities(c))
		r.Get("/"+c+"/nearest", s.nearest(c))
	}

	return r, nil
}

func (s *server) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "CityAccess API is running"})
}

func (s *server) health(w http.ResponseWriter, r *http.Request) {
	if s.opts.Pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.opts.Pinger.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "detail": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// facilities serves the listing, or a nearest search when lon or lat is
// present.
func (s *server) facilities(collection string) http.HandlerFunc {
	nearest := s.nearest(collection)
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Has("lon") || q.Has("lat") {
			nearest(w, r)
			return
		}

		if cached := s.opts.Cache.Get("all"); cached != nil {
			writeRaw(w, http.StatusOK, cached, "hit")
			return
		}

		list, err := s.q.All(r.Context())
		if err != nil {
			s.fail(w, fmt.Sprintf("Error fetching %s", collection), err)
			return
		}
		s.metrics.queryResults.WithLabelValues("list").Observe(float64(len(list)))

		out := make([]FacilityJSON, len(list))
		for i, f := range list {
			out[i] = toJSON(f)
		}
		s.respond(w, "all", out)
	}
}

func (s *server) nearest(collection string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := s.parseNearest(r)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
			return
		}

		key := fmt.Sprintf("nearest|%g|%g|%g|%s", req.Lon, req.Lat, req.RadiusMeters, strings.ToLower(req.Type))
		if cached := s.opts.Cache.Get(key); cached != nil {
			writeRaw(w, http.StatusOK, cached, "hit")
			return
		}

		found, err := s.q.Nearest(r.Context(), req)
		if err != nil {
			if errors.Is(err, query.ErrInvalidArgument) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": err.Error()})
				return
			}
			s.fail(w, fmt.Sprintf("Error fetching nearest %s", collection), err)
			return
		}
		s.metrics.queryResults.WithLabelValues("nearest").Observe(float64(len(found)))

		out := make([]FacilityJSON, len(found))
		for i, n := range found {
			out[i] = toJSON(n.Facility)
			d := n.DistanceMeters
			out[i].DistanceM = &d
		}
		s.respond(w, key, out)
	}
}

func (s *server) parseNearest(r *http.Request) (query.Request, error) {
	q := r.URL.Query()
	req := query.Request{RadiusMeters: s.opts.DefaultRadiusM, Type: q.Get("type")}

	parse := func(name string, dst *float64, required bool) error {
		raw := q.Get(name)
		if raw == "" {
			if required {
				return eris.Errorf("query parameter %q is required", name)
			}
			return nil
		}
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return eris.Errorf("query parameter %q must be a number, got %q", name, raw)
		}
		*dst = v
		return nil
	}
	if err := parse("lon", &req.Lon, true); err != nil {
		return req, err
	}
	if err := parse("lat", &req.Lat, true); err != nil {
		return req, err
	}
	if err := parse("dist", &req.RadiusMeters, false); err != nil {
		return req, err
	}
	return req, nil
}

func (s *server) respond(w http.ResponseWriter, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.fail(w, "Error encoding response", err)
		return
	}
	s.opts.Cache.Put(key, data)
	writeRaw(w, http.StatusOK, data, "miss")
}

// fail writes the 500 contract: the message embeds the underlying error.
func (s *server) fail(w http.ResponseWriter, prefix string, err error) {
	s.log.Error("query failed", zap.String("op", prefix), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": fmt.Sprintf("%s: %v", prefix, err)})
}

func writeRaw(w http.ResponseWriter, code int, data []byte, cache string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", cache)
	w.WriteHeader(code)
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
