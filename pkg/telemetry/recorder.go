// Package telemetry records run statistics of the diffusion filter as
// prometheus metrics. Batch runs export them with WriteTextfile for the
// node exporter textfile collector.
package telemetry

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "edgediffusion"

// Recorder owns a private registry with the filter's metrics. A nil
// *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	iterations       prometheus.Counter
	rebuilds         prometheus.Counter
	numericFallbacks prometheus.Counter
	clampedSteps     prometheus.Counter
	rebuildSeconds   prometheus.Histogram
	minDiffusivity   prometheus.Gauge
	lastRun          prometheus.Gauge
}

// NewRecorder creates a recorder whose metrics carry the given constant
// labels, e.g. a run ID.
func NewRecorder(labels prometheus.Labels) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "iterations_total",
			Help:        "Explicit diffusion time steps performed.",
			ConstLabels: labels,
		}),
		rebuilds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "tensor_rebuilds_total",
			Help:        "Diffusion tensor field rebuilds.",
			ConstLabels: labels,
		}),
		numericFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "numeric_fallbacks_total",
			Help:        "Voxels that fell back to the identity tensor after a failed eigen decomposition.",
			ConstLabels: labels,
		}),
		clampedSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "clamped_runs_total",
			Help:        "Runs whose time step was lowered to the stability bound.",
			ConstLabels: labels,
		}),
		rebuildSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "rebuild_seconds",
			Help:        "Time spent computing structure and diffusion tensor fields.",
			Buckets:     prometheus.ExponentialBuckets(0.001, 4, 8),
			ConstLabels: labels,
		}),
		minDiffusivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "min_diffusivity",
			Help:        "Smallest across-edge diffusivity of the latest tensor field.",
			ConstLabels: labels,
		}),
		lastRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "last_run_timestamp_seconds",
			Help:        "Unix time at which the last filter run completed.",
			ConstLabels: labels,
		}),
	}
	r.registry.MustRegister(
		r.iterations,
		r.rebuilds,
		r.numericFallbacks,
		r.clampedSteps,
		r.rebuildSeconds,
		r.minDiffusivity,
		r.lastRun,
	)
	return r
}

// Iteration records one completed time step.
func (r *Recorder) Iteration() {
	if r == nil {
		return
	}
	r.iterations.Inc()
}

// Rebuild records a tensor field rebuild.
func (r *Recorder) Rebuild(elapsed time.Duration, fallbacks int, minDiffusivity float64) {
	if r == nil {
		return
	}
	r.rebuilds.Inc()
	r.rebuildSeconds.Observe(elapsed.Seconds())
	r.numericFallbacks.Add(float64(fallbacks))
	r.minDiffusivity.Set(minDiffusivity)
}

// Clamped records a run whose time step was clamped.
func (r *Recorder) Clamped() {
	if r == nil {
		return
	}
	r.clampedSteps.Inc()
}

// Finished stamps the completion time of a run.
func (r *Recorder) Finished(at time.Time) {
	if r == nil {
		return
	}
	r.lastRun.Set(float64(at.Unix()))
}

// WriteTextfile writes all metrics in the text exposition format. The file is
// replaced atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
