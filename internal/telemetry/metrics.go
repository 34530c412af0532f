// Package telemetry exposes the core's observable state: Prometheus metrics
// and a WebSocket live feed.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics holds the flight-core Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	ControlCycles    prometheus.Counter
	ControllerFaults prometheus.Counter
	ThrustCommanded  prometheus.Gauge

	PlansTotal      prometheus.Counter
	PlansDegraded   prometheus.Counter
	PlanIterations  prometheus.Gauge
	PlanDuration    prometheus.Histogram

	MixerSaturations prometheus.Counter
	MixerRejected    prometheus.Counter

	SafetyState       prometheus.Gauge
	SafetyEvents      *prometheus.CounterVec
	HeartbeatsSeen    prometheus.Counter

	TaskDeadlineMiss *prometheus.CounterVec
	TaskExecution    *prometheus.HistogramVec

	BufferUpdates    prometheus.Counter
	BufferStaleReads prometheus.Counter
}

// NewMetrics registers the collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ControlCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "dart_control_cycles_total",
			Help: "Completed geometric controller cycles",
		}),
		ControllerFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "dart_controller_faults_total",
			Help: "Aborted controller cycles",
		}),
		ThrustCommanded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dart_thrust_newtons",
			Help: "Last commanded collective thrust",
		}),

		PlansTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dart_plans_total",
			Help: "Trajectory optimizations attempted",
		}),
		PlansDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "dart_plans_degraded_total",
			Help: "Optimizations that fell back to the warm start",
		}),
		PlanIterations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dart_plan_iterations",
			Help: "Iterations used by the last optimization",
		}),
		PlanDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dart_plan_duration_seconds",
			Help:    "Wall-clock time per optimization",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),

		MixerSaturations: factory.NewCounter(prometheus.CounterOpts{
			Name: "dart_mixer_saturation_events_total",
			Help: "Per-motor PWM clipping events",
		}),
		MixerRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "dart_mixer_rejected_total",
			Help: "Commands rejected by the mixer",
		}),

		SafetyState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dart_safety_state",
			Help: "Failsafe state: 0 Nominal, 1 Degraded, 2 Autonomous, 3 Emergency",
		}),
		SafetyEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dart_safety_events_total",
			Help: "Safety events by kind",
		}, []string{"event"}),
		HeartbeatsSeen: factory.NewCounter(prometheus.CounterOpts{
			Name: "dart_heartbeats_total",
			Help: "Cloud heartbeats received",
		}),

		TaskDeadlineMiss: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dart_task_deadline_miss_total",
			Help: "Deadline misses by task",
		}, []string{"task"}),
		TaskExecution: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dart_task_execution_seconds",
			Help:    "Execution time by task",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"task"}),

		BufferUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "dart_state_buffer_updates_total",
			Help: "Snapshots published into the state buffer",
		}),
		BufferStaleReads: factory.NewCounter(prometheus.CounterOpts{
			Name: "dart_state_buffer_stale_reads_total",
			Help: "Reads that observed no newer version",
		}),
	}
}

// Serve exposes the registry on /metrics until ctx is done.
func (m *Metrics) Serve(ctx context.Context, port int, logger *logrus.Entry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.WithField("port", port).Info("Metrics endpoint listening")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
