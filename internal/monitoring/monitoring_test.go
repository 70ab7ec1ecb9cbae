package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cityaccess/cityaccess/internal/config"
	"github.com/cityaccess/cityaccess/internal/geospatial"
)

var now = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type mockSource struct {
	runs       []geospatial.Run
	last       *time.Time
	facilities int
	err        error
}

func (m *mockSource) StartRun(context.Context, string) error { return nil }
func (m *mockSource) CompleteRun(context.Context, string, geospatial.RunStats) error {
	return nil
}
func (m *mockSource) FailRun(context.Context, string, geospatial.RunStats, string) error {
	return nil
}
func (m *mockSource) LastSuccessfulRun(context.Context) (*time.Time, error) { return m.last, nil }
func (m *mockSource) ListRuns(context.Context, int) ([]geospatial.Run, error) {
	return m.runs, m.err
}
func (m *mockSource) CountFacilities(context.Context) (int, error) { return m.facilities, nil }

func newTestCollector(src Source) *Collector {
	c := NewCollector(src)
	c.now = func() time.Time { return now }
	return c
}

func TestCollector_Collect(t *testing.T) {
	last := now.Add(-3 * time.Hour)
	src := &mockSource{
		runs: []geospatial.Run{
			{ID: "5", Status: geospatial.RunRunning, StartedAt: now.Add(-time.Minute)},
			{ID: "4", Status: geospatial.RunFailed, StartedAt: now.Add(-2 * time.Hour), Error: "overpass: all 3 mirror attempts failed"},
			{ID: "3", Status: geospatial.RunComplete, StartedAt: last},
			{ID: "2", Status: geospatial.RunFailed, StartedAt: now.Add(-5 * time.Hour), Error: "older"},
			{ID: "1", Status: geospatial.RunComplete, StartedAt: now.Add(-48 * time.Hour)},
		},
		last:       &last,
		facilities: 1200,
	}

	snap, err := newTestCollector(src).Collect(context.Background(), 24)
	require.NoError(t, err)
	assert.Equal(t, 4, snap.RunsTotal)
	assert.Equal(t, 1, snap.RunsComplete)
	assert.Equal(t, 2, snap.RunsFailed)
	assert.Equal(t, 1, snap.RunsRunning)
	assert.Equal(t, "overpass: all 3 mirror attempts failed", snap.LastError)
	assert.Equal(t, 3*time.Hour, snap.DataAge)
	assert.Equal(t, 1200, snap.Facilities)
	assert.Equal(t, now, snap.CollectedAt)
}

func TestCollector_ListRunsError(t *testing.T) {
	src := &mockSource{err: errors.New("db down")}
	_, err := newTestCollector(src).Collect(context.Background(), 24)
	assert.Error(t, err)
}

func TestAlerter_Evaluate_NoAlerts(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{StaleAfterHours: 48})
	last := now.Add(-time.Hour)

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsTotal: 1, RunsComplete: 1,
		LastSuccess: &last, DataAge: time.Hour,
		Facilities: 10, LookbackHours: 24, CollectedAt: now,
	})
	assert.Empty(t, alerts)
}

func TestAlerter_Evaluate_SyncFailure(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{StaleAfterHours: 48})
	last := now.Add(-time.Hour)

	alerts := a.Evaluate(&MetricsSnapshot{
		RunsTotal: 3, RunsFailed: 2, LastError: "boom",
		LastSuccess: &last, DataAge: time.Hour,
		Facilities: 10, LookbackHours: 24,
	})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertSyncFailure, alerts[0].Type)
	assert.Contains(t, alerts[0].Message, "2 of 3")
	assert.Equal(t, "boom", alerts[0].Details["last_error"])
}

func TestAlerter_Evaluate_StaleAndEmpty(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{StaleAfterHours: 48})
	last := now.Add(-72 * time.Hour)

	alerts := a.Evaluate(&MetricsSnapshot{LastSuccess: &last, DataAge: 72 * time.Hour, LookbackHours: 24})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertStaleData, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Contains(t, alerts[0].Message, "72h0m0s")
	assert.Equal(t, AlertEmptyStore, alerts[1].Type)

	// Never synced is always stale.
	alerts = a.Evaluate(&MetricsSnapshot{Facilities: 5})
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertStaleData, alerts[0].Type)
	assert.Equal(t, "high", alerts[0].Severity)
}

func TestAlerter_SendAlerts_Webhook(t *testing.T) {
	var received atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var alert Alert
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&alert))
		assert.NotEmpty(t, alert.Type)
		received.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})

	sent := a.SendAlerts(context.Background(), []Alert{
		{Type: AlertSyncFailure, Severity: "high", Message: "test alert 1"},
		{Type: AlertStaleData, Severity: "medium", Message: "test alert 2"},
	})
	assert.Equal(t, 2, sent)
	assert.Equal(t, int32(2), received.Load())
}

func TestAlerter_SendAlerts_NoWebhook(t *testing.T) {
	a := NewAlerter(config.MonitoringConfig{})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertEmptyStore}}))

	a = NewAlerter(config.MonitoringConfig{WebhookURL: "http://example.com"})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), nil))
}

func TestAlerter_SendAlerts_WebhookError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	a := NewAlerter(config.MonitoringConfig{WebhookURL: ts.URL})
	assert.Equal(t, 0, a.SendAlerts(context.Background(), []Alert{{Type: AlertEmptyStore}}))
}

func TestChecker_CheckSetsGauges(t *testing.T) {
	last := now.Add(-2 * time.Hour)
	src := &mockSource{
		runs:       []geospatial.Run{{Status: geospatial.RunFailed, StartedAt: now.Add(-time.Hour)}},
		last:       &last,
		facilities: 0,
	}
	cfg := config.MonitoringConfig{LookbackWindowHours: 24, StaleAfterHours: 48}
	reg := prometheus.NewRegistry()

	c, err := NewChecker(newTestCollector(src), NewAlerter(cfg), cfg, reg)
	require.NoError(t, err)

	alerts := c.Check(context.Background(), zap.NewNop())
	assert.Len(t, alerts, 2)

	families, err := reg.Gather()
	require.NoError(t, err)
	got := make(map[string]float64)
	for _, mf := range families {
		got[mf.GetName()] = mf.GetMetric()[0].GetGauge().GetValue()
	}
	assert.InDelta(t, 7200, got["cityaccess_sync_data_age_seconds"], 0.001)
	assert.Equal(t, 0.0, got["cityaccess_store_facilities"])
	assert.Equal(t, 1.0, got["cityaccess_sync_failed_runs"])
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	cfg := config.MonitoringConfig{CheckIntervalSecs: 1, LookbackWindowHours: 24}
	checker, err := NewChecker(newTestCollector(&mockSource{facilities: 1}), NewAlerter(cfg), cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		checker.Run(ctx)
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Checker.Run did not stop after context cancellation")
	}
}

func TestNewChecker_DuplicateRegistration(t *testing.T) {
	cfg := config.MonitoringConfig{}
	reg := prometheus.NewRegistry()
	_, err := NewChecker(newTestCollector(&mockSource{}), NewAlerter(cfg), cfg, reg)
	require.NoError(t, err)
	_, err = NewChecker(newTestCollector(&mockSource{}), NewAlerter(cfg), cfg, reg)
	assert.Error(t, err)
}
