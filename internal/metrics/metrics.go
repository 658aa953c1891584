// Package metrics records pipeline counters in a private Prometheus registry
// that can be written out as a node-exporter textfile after each run.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "maxsatt_anomaly"

// Pixel statuses.
const (
	StatusScored   = "scored"
	StatusNoSignal = "no_signal"
	StatusMissing  = "missing"
)

// Recorder holds the run metrics. A nil *Recorder discards everything.
type Recorder struct {
	registry    *prometheus.Registry
	runDuration *prometheus.HistogramVec
	runs        *prometheus.CounterVec
	pixels      *prometheus.CounterVec
	cache       *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of scoring pipeline runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"pipeline"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Scoring pipeline runs by outcome.",
		}, []string{"pipeline", "outcome"}),
		pixels: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pixels_total",
			Help:      "Scored pixels by status.",
		}, []string{"field", "status"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "density_cache_lookups_total",
			Help:      "Density volume cache lookups by result.",
		}, []string{"result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run per field.",
		}, []string{"field"}),
	}
	r.registry.MustRegister(r.runDuration, r.runs, r.pixels, r.cache, r.lastSuccess)
	return r
}

// ObserveRun records the duration and outcome of one pipeline run.
func (r *Recorder) ObserveRun(pipeline string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	r.runDuration.WithLabelValues(pipeline).Observe(elapsed.Seconds())
	r.runs.WithLabelValues(pipeline, outcome).Inc()
}

func (r *Recorder) CountPixels(field, status string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.pixels.WithLabelValues(field, status).Add(float64(n))
}

func (r *Recorder) CacheLookup(hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cache.WithLabelValues(result).Inc()
}

func (r *Recorder) MarkSuccess(field string, at time.Time) {
	if r == nil {
		return
	}
	r.lastSuccess.WithLabelValues(field).Set(float64(at.Unix()))
}

func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// WriteTextfile writes every metric to path in the text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
