package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cityaccess/cityaccess/internal/facility"
	"github.com/cityaccess/cityaccess/internal/geospatial"
	"github.com/cityaccess/cityaccess/internal/query"
)

type stubQuerier struct {
	nearby   []geospatial.Nearby
	list     []facility.Facility
	err      error
	lastReq  query.Request
	nearestN int
	allN     int
}

func (s *stubQuerier) Nearest(_ context.Context, req query.Request) ([]geospatial.Nearby, error) {
	s.nearestN++
	s.lastReq = req
	return s.nearby, s.err
}

func (s *stubQuerier) All(context.Context) ([]facility.Facility, error) {
	s.allN++
	return s.list, s.err
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func newTestRouter(t *testing.T, q Querier, opts Options) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	opts.Gatherer = reg
	h, err := NewRouter(q, opts)
	require.NoError(t, err)
	return h
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func strPtr(s string) *string { return &s }

func TestHealthAndRoot(t *testing.T) {
	h := newTestRouter(t, &stubQuerier{}, Options{})

	w := get(h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = get(h, "/")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "CityAccess API is running")
}

func TestHealth_StoreDown(t *testing.T) {
	h := newTestRouter(t, &stubQuerier{}, Options{Pinger: stubPinger{err: errors.New("connection refused")}})

	w := get(h, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestNearest_ResponseShape(t *testing.T) {
	q := &stubQuerier{nearby: []geospatial.Nearby{{
		Facility: facility.Facility{
			Name: "Klinik A", Type: facility.Clinic, City: strPtr("Wien"), Source: facility.Source,
			Location: facility.Point{Lon: 16.37, Lat: 48.21},
		},
		DistanceMeters: 0,
	}}}
	h := newTestRouter(t, q, Options{})

	w := get(h, "/facilities?lon=16.37&lat=48.21&dist=500&type=clinic")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Klinik A", got[0]["name"])
	assert.Equal(t, "clinic", got[0]["facility_type"])
	assert.Equal(t, 16.37, got[0]["lon"])
	assert.Equal(t, 48.21, got[0]["lat"])
	assert.Equal(t, "Wien", got[0]["city"])
	assert.Nil(t, got[0]["phone"])
	assert.Contains(t, got[0], "distance_m")
	assert.Equal(t, 0.0, got[0]["distance_m"])

	assert.Equal(t, query.Request{Lon: 16.37, Lat: 48.21, RadiusMeters: 500, Type: "clinic"}, q.lastReq)
}

func TestNearest_DefaultRadiusAndNearestPath(t *testing.T) {
	q := &stubQuerier{}
	h := newTestRouter(t, q, Options{Collection: "hospitals", DefaultRadiusM: 2000})

	w := get(h, "/hospitals/nearest?lon=16.37&lat=48.21")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2000.0, q.lastReq.RadiusMeters)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = get(h, "/facilities/nearest?lon=16.37&lat=48.21&dist=100")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100.0, q.lastReq.RadiusMeters)
}

func TestNearest_BadParameters(t *testing.T) {
	q := &stubQuerier{}
	h := newTestRouter(t, q, Options{})

	for _, target := range []string{
		"/facilities?lon=16.37",
		"/facilities?lon=abc&lat=48.21",
		"/facilities/nearest?lat=48.21",
		"/facilities?lon=16.37&lat=48.21&dist=far",
	} {
		w := get(h, target)
		assert.Equal(t, http.StatusBadRequest, w.Code, target)
		assert.Contains(t, w.Body.String(), "detail", target)
	}
	assert.Zero(t, q.nearestN)
}

func TestNearest_InvalidArgumentFromService(t *testing.T) {
	svc := query.NewService(emptyReader{})
	h := newTestRouter(t, svc, Options{})

	w := get(h, "/facilities?lon=200&lat=48.21")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "lon 200 out of range")
}

func TestNearest_StoreErrorIs500WithCause(t *testing.T) {
	q := &stubQuerier{err: &query.Error{Op: "nearest", Err: errors.New("connection refused")}}
	h := newTestRouter(t, q, Options{})

	w := get(h, "/facilities?lon=16.37&lat=48.21")
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, strings.HasPrefix(body["detail"], "Error fetching nearest facilities: "))
	assert.Contains(t, body["detail"], "connection refused")
}

func TestListAll(t *testing.T) {
	q := &stubQuerier{list: []facility.Facility{
		{Name: "AKH", Source: facility.Source, Location: facility.Point{Lon: 16.347, Lat: 48.22}},
		{Name: "Klinik A", Source: facility.Source, Location: facility.Point{Lon: 16.37, Lat: 48.21}},
	}}
	h := newTestRouter(t, q, Options{Collection: "hospitals"})

	w := get(h, "/hospitals")
	require.Equal(t, http.StatusOK, w.Code)
	var got []FacilityJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "AKH", got[0].Name)
	assert.Nil(t, got[0].DistanceM)
	assert.NotContains(t, w.Body.String(), "distance_m")
	assert.NotContains(t, w.Body.String(), "facility_type")

	q.err = errors.New("boom")
	w = get(h, "/hospitals")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "Error fetching hospitals: boom")
}

func TestResponseCacheServesRepeatQueries(t *testing.T) {
	q := &stubQuerier{list: []facility.Facility{{Name: "A"}}}
	h := newTestRouter(t, q, Options{Cache: NewResponseCache(10, time.Minute)})

	w := get(h, "/facilities")
	assert.Equal(t, "miss", w.Header().Get("X-Cache"))
	w = get(h, "/facilities")
	assert.Equal(t, "hit", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, q.allN)

	get(h, "/facilities?lon=1&lat=2")
	get(h, "/facilities?lon=1&lat=2")
	assert.Equal(t, 1, q.nearestN)
}

func TestErrorsAreNotCached(t *testing.T) {
	q := &stubQuerier{err: errors.New("down")}
	h := newTestRouter(t, q, Options{Cache: NewResponseCache(10, time.Minute)})

	get(h, "/facilities")
	get(h, "/facilities")
	assert.Equal(t, 2, q.allN)
}

func TestCORSPreflight(t *testing.T) {
	h := newTestRouter(t, &stubQuerier{}, Options{CORSOrigins: []string{"http://localhost:5173"}})

	req := httptest.NewRequest(http.MethodOptions, "/facilities", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "http://localhost:5173", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, &stubQuerier{}, Options{})

	get(h, "/facilities?lon=16.37&lat=48.21")
	get(h, "/nope")

	w := get(h, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `cityaccess_http_request_count{code="200",method="GET",path="/facilities"} 1`)
	assert.Contains(t, body, `cityaccess_http_request_count{code="404",method="GET",path="/-"} 1`)
	assert.Contains(t, body, "cityaccess_query_results_bucket")
}

func TestNewRouter_MetricsRegisteredTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewRouter(&stubQuerier{}, Options{Registerer: reg, Gatherer: reg})
	require.NoError(t, err)
	_, err = NewRouter(&stubQuerier{}, Options{Registerer: reg, Gatherer: reg})
	assert.NoError(t, err)
}

type emptyReader struct{}

func (emptyReader) Variant() facility.Variant { return facility.Facilities }

func (emptyReader) Nearest(context.Context, geospatial.NearestQuery) ([]geospatial.Nearby, error) {
	return nil, nil
}

func (emptyReader) ListFacilities(context.Context) ([]facility.Facility, error) { return nil, nil }

func TestEndToEnd_SQLite(t *testing.T) {
	st, err := geospatial.NewSQLiteStore(filepath.Join(t.TempDir(), "api.db"), facility.Facilities)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()
	require.NoError(t, st.Migrate(ctx))

	_, err = st.UpsertFacility(ctx, &facility.Facility{Name: "Klinik A", City: strPtr("Wien"), Type: facility.Clinic,
		Source: facility.Source, Location: facility.Point{Lon: 16.37, Lat: 48.21}})
	require.NoError(t, err)

	h := newTestRouter(t, query.NewService(st), Options{Pinger: st})

	w := get(h, "/facilities?lon=16.37&lat=48.21&dist=500")
	require.Equal(t, http.StatusOK, w.Code)
	var got []FacilityJSON
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.NotNil(t, got[0].DistanceM)
	assert.InDelta(t, 0, *got[0].DistanceM, 0.001)

	w = get(h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
}
