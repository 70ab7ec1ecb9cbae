package monitoring

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cityaccess/cityaccess/internal/config"
)

// Checker runs periodic alert checks in the background and exports the
// latest snapshot as gauges.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig

	dataAge    prometheus.Gauge
	facilities prometheus.Gauge
	failedRuns prometheus.Gauge
}

// NewChecker creates a background alert checker. Gauges are registered on
// reg; a nil reg skips them.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig, reg prometheus.Registerer) (*Checker, error) {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
		dataAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cityaccess",
			Subsystem: "sync",
			Name:      "data_age_seconds",
			Help:      "Seconds since the last successful sync run started.",
		}),
		facilities: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cityaccess",
			Subsystem: "store",
			Name:      "facilities",
			Help:      "Facilities in the store.",
		}),
		failedRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "cityaccess",
			Subsystem: "sync",
			Name:      "failed_runs",
			Help:      "Failed sync runs within the lookback window.",
		}),
	}
	if reg != nil {
		for _, g := range []prometheus.Collector{c.dataAge, c.facilities, c.failedRuns} {
			if err := reg.Register(g); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	c.Check(ctx, log)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx, log)
		}
	}
}

// Check collects one snapshot, updates the gauges and sends any alerts.
func (c *Checker) Check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	c.dataAge.Set(snap.DataAge.Seconds())
	c.facilities.Set(float64(snap.Facilities))
	c.failedRuns.Set(float64(snap.RunsFailed))

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	for _, a := range alerts {
		log.Warn("monitoring: alert", zap.String("type", string(a.Type)), zap.String("message", a.Message))
	}
	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
