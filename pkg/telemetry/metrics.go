package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API ─────────────────────────────────────────────────────────────────────

	APISubmitTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "midjourney",
		Subsystem: "api",
		Name:      "submit_total",
		Help:      "Total submissions received, labelled by action and result code.",
	}, []string{"action", "code"})

	// ─── Instance runtime ────────────────────────────────────────────────────────

	InstanceQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "midjourney",
		Subsystem: "instance",
		Name:      "queue_length",
		Help:      "Tasks waiting in the per-account pending queue.",
	}, []string{"instance"})

	InstanceRunning = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "midjourney",
		Subsystem: "instance",
		Name:      "running",
		Help:      "Tasks currently executing on the account.",
	}, []string{"instance"})

	TasksFinishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "midjourney",
		Subsystem: "instance",
		Name:      "tasks_finished_total",
		Help:      "Tasks that reached a terminal status, labelled by instance and status.",
	}, []string{"instance", "status"})

	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "midjourney",
		Subsystem: "instance",
		Name:      "task_duration_seconds",
		Help:      "Time from SUBMITTED to a terminal status.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"action"})

	// ─── Load balancer ───────────────────────────────────────────────────────────

	BalancerChoicesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "midjourney",
		Subsystem: "balancer",
		Name:      "choices_total",
		Help:      "Instance selections, labelled by policy and chosen instance.",
	}, []string{"policy", "instance"})

	// ─── Notifier / events ───────────────────────────────────────────────────────

	NotifyFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "midjourney",
		Subsystem: "notify",
		Name:      "failures_total",
		Help:      "Task-change notifications that failed after retries, by channel.",
	}, []string{"channel"})

	EventsAppliedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "midjourney",
		Subsystem: "events",
		Name:      "applied_total",
		Help:      "Inbound upstream events applied to running tasks, by type.",
	}, []string{"type"})
)
