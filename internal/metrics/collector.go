package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector collects and exposes metrics. A nil *Collector is valid and
// records nothing.
type Collector struct {
	registry       *prometheus.Registry
	itemsTotal     *prometheus.CounterVec
	batchDuration  *prometheus.HistogramVec
	lockContention prometheus.Counter
	progress       prometheus.Gauge
	runsTotal      *prometheus.CounterVec
}

// New creates a new metrics collector with its own registry
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		itemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemigrate_items_total",
				Help: "Total number of items processed by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		batchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitemigrate_batch_duration_seconds",
				Help:    "Time taken to run one batch",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"phase"},
		),
		lockContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "sitemigrate_batch_lock_contention_total",
				Help: "Number of batch calls rejected because the lock was held",
			},
		),
		progress: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sitemigrate_progress_percent",
				Help: "Overall progress of the active migration",
			},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitemigrate_runs_total",
				Help: "Number of finalized runs by status",
			},
			[]string{"status"},
		),
	}

	c.registry.MustRegister(c.itemsTotal)
	c.registry.MustRegister(c.batchDuration)
	c.registry.MustRegister(c.lockContention)
	c.registry.MustRegister(c.progress)
	c.registry.MustRegister(c.runsTotal)

	return c
}

// Item outcomes
const (
	OutcomeSuccess = "success"
	OutcomeRetry   = "retry"
	OutcomeFailed  = "failed"
)

// ObserveItem counts one processed item
func (c *Collector) ObserveItem(phase, outcome string) {
	if c == nil {
		return
	}
	c.itemsTotal.WithLabelValues(phase, outcome).Inc()
}

// ObserveBatch observes batch duration
func (c *Collector) ObserveBatch(phase string, duration time.Duration) {
	if c == nil {
		return
	}
	c.batchDuration.WithLabelValues(phase).Observe(duration.Seconds())
}

// IncLockContention counts a rejected batch call
func (c *Collector) IncLockContention() {
	if c == nil {
		return
	}
	c.lockContention.Inc()
}

// SetProgress sets the progress gauge
func (c *Collector) SetProgress(percentage int) {
	if c == nil {
		return
	}
	c.progress.Set(float64(percentage))
}

// RunFinalized counts a written run record
func (c *Collector) RunFinalized(status string) {
	if c == nil {
		return
	}
	c.runsTotal.WithLabelValues(status).Inc()
}

// Registry returns the registry the collector's metrics live in
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler returns the /metrics handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// StartServer serves the metrics endpoint until ctx is cancelled
func (c *Collector) StartServer(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
