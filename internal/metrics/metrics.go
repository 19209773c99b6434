// Package metrics defines the Prometheus instruments exposed on /metrics.
//
// All instruments live in an instance-scoped registry rather than the
// package default so tests can construct as many pipelines as they like
// without duplicate-registration panics. Components receive a *Metrics by
// injection and record directly; counters derived from bus events are kept
// current by [Bridge].
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meridian"

// Stage run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeTimeout = "timeout"
)

// Publish attempt outcomes.
const (
	PublishSuccess   = "success"
	PublishFailure   = "failure"
	PublishExhausted = "exhausted"
)

// Metrics bundles every instrument the pipeline records.
type Metrics struct {
	registry *prometheus.Registry

	// Watcher / assembler.
	FilesSeen    prometheus.Counter
	ChannelDepth prometheus.Gauge

	// Group lifecycle (incremented by Bridge from bus events).
	GroupsCreated   prometheus.Counter
	GroupsReady     prometheus.Counter
	GroupsCompleted prometheus.Counter
	GroupsFailed    prometheus.Counter

	// Scheduler.
	StageRuns     *prometheus.CounterVec
	StageDuration *prometheus.HistogramVec
	WorkersBusy   prometheus.Gauge
	ReapedGroups  prometheus.Counter

	// Registry.
	PublishAttempts *prometheus.CounterVec

	// Control plane.
	WSClients prometheus.Gauge
}

// New creates a Metrics with all instruments registered, plus the standard
// process and Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		FilesSeen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watcher",
			Name:      "files_seen_total",
			Help:      "Total number of subband files accepted by the watcher",
		}),
		ChannelDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "assembler",
			Name:      "channel_depth",
			Help:      "Number of file-arrival events waiting in the watcher channel",
		}),

		GroupsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "groups_created_total",
			Help:      "Total number of observation groups created",
		}),
		GroupsReady: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "groups_ready_total",
			Help:      "Total number of groups that became eligible for processing",
		}),
		GroupsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "groups_completed_total",
			Help:      "Total number of groups that completed the pipeline",
		}),
		GroupsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "groups_failed_total",
			Help:      "Total number of groups that entered the failed state",
		}),

		StageRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "stage_runs_total",
			Help:      "Total number of stage executions by stage and outcome",
		}, []string{"stage", "outcome"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "stage_duration_seconds",
			Help:      "Wall-clock duration of successful stage executions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // from 1s to ~2.3h
		}, []string{"stage"}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "workers_busy",
			Help:      "Number of workers currently processing a group",
		}),
		ReapedGroups: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "reaped_groups_total",
			Help:      "Total number of stale in-progress groups returned to pending",
		}),

		PublishAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "registry",
			Name:      "publish_attempts_total",
			Help:      "Total number of publish attempts by outcome",
		}, []string{"outcome"}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "control",
			Name:      "ws_clients",
			Help:      "Number of connected WebSocket event clients",
		}),
	}

	m.registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
		m.FilesSeen,
		m.ChannelDepth,
		m.GroupsCreated,
		m.GroupsReady,
		m.GroupsCompleted,
		m.GroupsFailed,
		m.StageRuns,
		m.StageDuration,
		m.WorkersBusy,
		m.ReapedGroups,
		m.PublishAttempts,
		m.WSClients,
	)

	return m
}

// Handler returns the HTTP handler serving the text exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// QueueStatsFunc reports the current number of groups per queue state.
type QueueStatsFunc func() map[string]int

// RegisterQueueStats registers a collector that queries fn at scrape time
// and exposes one meridian_queue_groups gauge per state.
func (m *Metrics) RegisterQueueStats(fn QueueStatsFunc) {
	m.registry.MustRegister(&queueStatsCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "groups"),
			"Number of groups currently in each queue state",
			[]string{"state"}, nil,
		),
		fn: fn,
	})
}

// queueStatsCollector samples the queue store at scrape time instead of
// tracking transitions, so the gauge can never drift from the database.
type queueStatsCollector struct {
	desc *prometheus.Desc
	fn   QueueStatsFunc
}

func (c *queueStatsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

func (c *queueStatsCollector) Collect(ch chan<- prometheus.Metric) {
	for state, n := range c.fn() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), state)
	}
}
