// ============================================================================
// Fleet Metrics - Prometheus Instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose supervisor and training scheduler metrics
//
// Metric groups:
//
//   1. Roles (label: role)
//      - fleet_role_starts_total: successful registrations
//      - fleet_role_restarts_total: respawns after an unclean exit
//      - fleet_role_exits_total{clean}: observed exits
//      - fleet_role_up: 1 while the role has a live process
//      - fleet_role_reboot_count: current consecutive unclean restarts
//      - fleet_server_terminations_total{reason}: shutdown / fatal
//
//   2. Training (label: kind)
//      - fleet_training_started_total
//      - fleet_training_completed_total
//      - fleet_training_failed_total
//      - fleet_training_cancelled_total
//      - fleet_training_duration_seconds
//      - fleet_training_active
//
//   3. Pool and bus
//      - fleet_pool_workers: live pool workers
//      - fleet_pool_spawns_total: spawn rounds
//      - fleet_dispatch_errors_total{type}: routing failures
//
// Example queries:
//
//   # restart rate per role
//   rate(fleet_role_restarts_total[5m])
//
//   # 95th percentile training time
//   histogram_quantile(0.95, fleet_training_duration_seconds_bucket)
//
// HTTP endpoint:
//   /metrics, default port 9090
//
// A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "fleet"

// Collector holds every fleet metric.
type Collector struct {
	roleStarts   *prometheus.CounterVec
	roleRestarts *prometheus.CounterVec
	roleExits    *prometheus.CounterVec
	roleUp       *prometheus.GaugeVec
	roleReboots  *prometheus.GaugeVec
	terminations *prometheus.CounterVec

	trainingStarted   *prometheus.CounterVec
	trainingCompleted *prometheus.CounterVec
	trainingFailed    *prometheus.CounterVec
	trainingCancelled *prometheus.CounterVec
	trainingDuration  *prometheus.HistogramVec
	trainingActive    prometheus.Gauge

	poolWorkers    prometheus.Gauge
	poolSpawns     prometheus.Counter
	dispatchErrors *prometheus.CounterVec
}

// NewCollector creates the metrics and registers them on reg.
// A nil reg means prometheus.DefaultRegisterer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		roleStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_starts_total",
			Help:      "Total number of role process registrations",
		}, []string{"role"}),
		roleRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_restarts_total",
			Help:      "Total number of role respawns after an unclean exit",
		}, []string{"role"}),
		roleExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "role_exits_total",
			Help:      "Total number of observed role process exits",
		}, []string{"role", "clean"}),
		roleUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role_up",
			Help:      "Number of live processes per role",
		}, []string{"role"}),
		roleReboots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "role_reboot_count",
			Help:      "Consecutive unclean restarts of a role",
		}, []string{"role"}),
		terminations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "server_terminations_total",
			Help:      "Server terminations by reason",
		}, []string{"reason"}),
		trainingStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_started_total",
			Help:      "Total number of training jobs started",
		}, []string{"kind"}),
		trainingCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_completed_total",
			Help:      "Total number of training jobs completed",
		}, []string{"kind"}),
		trainingFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_failed_total",
			Help:      "Total number of training jobs failed",
		}, []string{"kind"}),
		trainingCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "training_cancelled_total",
			Help:      "Total number of training jobs cancelled",
		}, []string{"kind"}),
		trainingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "training_duration_seconds",
			Help:      "Training job duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"kind"}),
		trainingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "training_active",
			Help:      "Current number of in-flight training jobs",
		}),
		poolWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_workers",
			Help:      "Current number of live pool workers",
		}),
		poolSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_spawns_total",
			Help:      "Total number of pool spawn rounds",
		}),
		dispatchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_errors_total",
			Help:      "Total number of message routing failures",
		}, []string{"type"}),
	}

	reg.MustRegister(
		c.roleStarts,
		c.roleRestarts,
		c.roleExits,
		c.roleUp,
		c.roleReboots,
		c.terminations,
		c.trainingStarted,
		c.trainingCompleted,
		c.trainingFailed,
		c.trainingCancelled,
		c.trainingDuration,
		c.trainingActive,
		c.poolWorkers,
		c.poolSpawns,
		c.dispatchErrors,
	)

	return c
}

// RecordRoleStart records a registration and the resulting reboot count.
func (c *Collector) RecordRoleStart(role string, rebootCount int, respawn bool) {
	if c == nil {
		return
	}
	c.roleStarts.WithLabelValues(role).Inc()
	if respawn {
		c.roleRestarts.WithLabelValues(role).Inc()
	}
	c.roleUp.WithLabelValues(role).Inc()
	c.roleReboots.WithLabelValues(role).Set(float64(rebootCount))
}

// RecordRoleExit records a process exit.
func (c *Collector) RecordRoleExit(role string, clean bool) {
	if c == nil {
		return
	}
	c.roleExits.WithLabelValues(role, fmt.Sprint(clean)).Inc()
	c.roleUp.WithLabelValues(role).Dec()
	if clean {
		c.roleReboots.WithLabelValues(role).Set(0)
	}
}

// RecordTermination records a server termination.
func (c *Collector) RecordTermination(reason string) {
	if c == nil {
		return
	}
	c.terminations.WithLabelValues(reason).Inc()
}

// RecordTrainingStarted records a new training job.
func (c *Collector) RecordTrainingStarted(kind string) {
	if c == nil {
		return
	}
	c.trainingStarted.WithLabelValues(kind).Inc()
	c.trainingActive.Inc()
}

// RecordTrainingCompleted records a successful training job.
func (c *Collector) RecordTrainingCompleted(kind string, d time.Duration) {
	if c == nil {
		return
	}
	c.trainingCompleted.WithLabelValues(kind).Inc()
	c.trainingDuration.WithLabelValues(kind).Observe(d.Seconds())
	c.trainingActive.Dec()
}

// RecordTrainingFailed records a failed training job.
func (c *Collector) RecordTrainingFailed(kind string) {
	if c == nil {
		return
	}
	c.trainingFailed.WithLabelValues(kind).Inc()
	c.trainingActive.Dec()
}

// RecordTrainingCancelled records a cancelled training job.
func (c *Collector) RecordTrainingCancelled(kind string) {
	if c == nil {
		return
	}
	c.trainingCancelled.WithLabelValues(kind).Inc()
	c.trainingActive.Dec()
}

// SetPoolWorkers sets the live worker gauge.
func (c *Collector) SetPoolWorkers(n int) {
	if c == nil {
		return
	}
	c.poolWorkers.Set(float64(n))
}

// RecordPoolSpawn records a spawn round.
func (c *Collector) RecordPoolSpawn() {
	if c == nil {
		return
	}
	c.poolSpawns.Inc()
}

// RecordDispatchError records a routing failure for a message type.
func (c *Collector) RecordDispatchError(msgType string) {
	if c == nil {
		return
	}
	c.dispatchErrors.WithLabelValues(msgType).Inc()
}

// Serve exposes gatherer on /metrics at port until ctx is done.
//
// Parameters:
//   - ctx: server lifetime
//   - port: HTTP port
//   - gatherer: metrics source, nil means prometheus.DefaultGatherer
//
// Returns:
//   - error: listen failure; nil after a clean shutdown
func Serve(ctx context.Context, port int, gatherer prometheus.Gatherer) error {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
