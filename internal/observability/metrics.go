package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "runloop"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	waitWarnings prometheus.Counter

	runTotal    *prometheus.CounterVec
	runDuration prometheus.Histogram
	stepTotal   *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	plannerCallTotal *prometheus.CounterVec
	providerCooldown *prometheus.GaugeVec

	approvalTotal *prometheus.CounterVec
	eventsDropped *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "queue_size",
					Help:      "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "task_duration_seconds",
					Help:      "Queued task duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			waitWarnings: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "queue_wait_warnings_total",
					Help:      "Tasks still queued behind their lane after the warn threshold.",
				},
			),
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "runs_total",
					Help:      "Runs reaching a resting status (done, failed, blocked).",
				},
				[]string{"status"},
			),
			runDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "run_duration_seconds",
					Help:      "Wall time of a run segment from start or resume to rest.",
					Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
				},
			),
			stepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "steps_total",
					Help:      "Steps by kind (thinking, execute, approval) and status.",
				},
				[]string{"kind", "status"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_execution_total",
					Help:      "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_execution_duration_seconds",
					Help:      "Tool execution duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			plannerCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "planner_calls_total",
					Help:      "Planner decisions by source (oracle, heuristic) and status.",
				},
				[]string{"source", "status"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown_active",
					Help:      "Planner profile cooldown state (1 active, 0 inactive).",
				},
				[]string{"profile"},
			),
			approvalTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "approvals_total",
					Help:      "Approvals by outcome (requested, approved, denied, expired).",
				},
				[]string{"decision"},
			),
			eventsDropped: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "events_dropped_total",
					Help:      "Events a sink failed to deliver.",
				},
				[]string{"sink"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.taskDuration,
			m.waitWarnings,
			m.runTotal,
			m.runDuration,
			m.stepTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.plannerCallTotal,
			m.providerCooldown,
			m.approvalTotal,
			m.eventsDropped,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, queueSize int) {
	m := getMetrics()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueWaitWarning() {
	getMetrics().waitWarnings.Inc()
}

func RecordRun(status string, duration time.Duration) {
	m := getMetrics()
	m.runTotal.WithLabelValues(status).Inc()
	m.runDuration.Observe(duration.Seconds())
}

func RecordStep(kind, status string) {
	getMetrics().stepTotal.WithLabelValues(kind, status).Inc()
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordPlannerCall(source string, success bool) {
	getMetrics().plannerCallTotal.WithLabelValues(source, statusLabel(success)).Inc()
}

func SetProviderCooldown(profile string, active bool) {
	value := 0.0
	if active {
		value = 1.0
	}
	getMetrics().providerCooldown.WithLabelValues(profile).Set(value)
}

func RecordApproval(decision string) {
	getMetrics().approvalTotal.WithLabelValues(decision).Inc()
}

func RecordEventDropped(sink string) {
	getMetrics().eventsDropped.WithLabelValues(sink).Inc()
}
