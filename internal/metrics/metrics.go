// Package metrics exposes the live state of the orchestrator's stores and
// queues as Prometheus gauges, gathered at scrape time.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AssignmentStatsProvider exposes the trunk store's live reservation state.
type AssignmentStatsProvider interface {
	LiveAssignments() int
	UsagePerTrunk() map[string]int
}

// CallCounter returns the number of tracked call records.
type CallCounter interface {
	Len() int
}

// QueueDepthProvider returns per-trunk origination backlog.
type QueueDepthProvider interface {
	Depths() map[string]int
}

// PushStatsProvider exposes the push registry's session state.
type PushStatsProvider interface {
	Len() int
	ActiveCalls() []string
}

// SessionCounter returns the number of live channel sessions.
type SessionCounter interface {
	Len() int
}

// EventStreamCounters exposes the PBX event demultiplexer's counters.
type EventStreamCounters interface {
	EventsDispatched() uint64
	DuplicatesDropped() uint64
}

// Collector is a prometheus.Collector that reads the orchestrator's stores
// at scrape time. Any provider may be nil if unavailable.
type Collector struct {
	assignments AssignmentStatsProvider
	calls       CallCounter
	queue       QueueDepthProvider
	push        PushStatsProvider
	sessions    SessionCounter
	events      EventStreamCounters
	startTime   time.Time

	// Metric descriptors.
	assignmentsDesc     *prometheus.Desc
	trunkUsageDesc      *prometheus.Desc
	trackedCallsDesc    *prometheus.Desc
	queuePendingDesc    *prometheus.Desc
	pushSessionsDesc    *prometheus.Desc
	pushSocketsDesc     *prometheus.Desc
	channelSessionsDesc *prometheus.Desc
	pbxEventsDesc       *prometheus.Desc
	pbxDuplicatesDesc   *prometheus.Desc
	uptimeDesc          *prometheus.Desc
}

// NewCollector creates a metrics collector over the live components.
func NewCollector(
	assignments AssignmentStatsProvider,
	calls CallCounter,
	queue QueueDepthProvider,
	push PushStatsProvider,
	sessions SessionCounter,
	events EventStreamCounters,
	startTime time.Time,
) *Collector {
	return &Collector{
		assignments: assignments,
		calls:       calls,
		queue:       queue,
		push:        push,
		sessions:    sessions,
		events:      events,
		startTime:   startTime,

		assignmentsDesc: prometheus.NewDesc(
			"dialflow_trunk_assignments",
			"Number of live trunk assignments",
			nil, nil,
		),
		trunkUsageDesc: prometheus.NewDesc(
			"dialflow_trunk_usage",
			"Live assignments per trunk",
			[]string{"trunk_id"}, nil,
		),
		trackedCallsDesc: prometheus.NewDesc(
			"dialflow_tracked_calls",
			"Number of call records in the call store",
			nil, nil,
		),
		queuePendingDesc: prometheus.NewDesc(
			"dialflow_origination_pending",
			"Origination jobs pending per trunk, counting the running one",
			[]string{"trunk_id"}, nil,
		),
		pushSessionsDesc: prometheus.NewDesc(
			"dialflow_push_sessions",
			"Push sessions tracked, attached or buffering",
			nil, nil,
		),
		pushSocketsDesc: prometheus.NewDesc(
			"dialflow_push_sockets_open",
			"Push sessions with an open subscriber socket",
			nil, nil,
		),
		channelSessionsDesc: prometheus.NewDesc(
			"dialflow_channel_sessions",
			"Live IVR channel sessions",
			nil, nil,
		),
		pbxEventsDesc: prometheus.NewDesc(
			"dialflow_pbx_events_total",
			"PBX events delivered downstream",
			nil, nil,
		),
		pbxDuplicatesDesc: prometheus.NewDesc(
			"dialflow_pbx_duplicate_events_total",
			"PBX events suppressed by the dedup windows",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"dialflow_uptime_seconds",
			"Seconds since the DialFlow process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.assignmentsDesc
	ch <- c.trunkUsageDesc
	ch <- c.trackedCallsDesc
	ch <- c.queuePendingDesc
	ch <- c.pushSessionsDesc
	ch <- c.pushSocketsDesc
	ch <- c.channelSessionsDesc
	ch <- c.pbxEventsDesc
	ch <- c.pbxDuplicatesDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at
// scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.assignments != nil {
		ch <- prometheus.MustNewConstMetric(
			c.assignmentsDesc, prometheus.GaugeValue,
			float64(c.assignments.LiveAssignments()),
		)
		for trunkID, n := range c.assignments.UsagePerTrunk() {
			ch <- prometheus.MustNewConstMetric(
				c.trunkUsageDesc, prometheus.GaugeValue,
				float64(n), trunkID,
			)
		}
	}

	if c.calls != nil {
		ch <- prometheus.MustNewConstMetric(
			c.trackedCallsDesc, prometheus.GaugeValue,
			float64(c.calls.Len()),
		)
	}

	if c.queue != nil {
		for trunkID, n := range c.queue.Depths() {
			ch <- prometheus.MustNewConstMetric(
				c.queuePendingDesc, prometheus.GaugeValue,
				float64(n), trunkID,
			)
		}
	}

	if c.push != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pushSessionsDesc, prometheus.GaugeValue,
			float64(c.push.Len()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.pushSocketsDesc, prometheus.GaugeValue,
			float64(len(c.push.ActiveCalls())),
		)
	}

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.channelSessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.Len()),
		)
	}

	if c.events != nil {
		ch <- prometheus.MustNewConstMetric(
			c.pbxEventsDesc, prometheus.CounterValue,
			float64(c.events.EventsDispatched()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.pbxDuplicatesDesc, prometheus.CounterValue,
			float64(c.events.DuplicatesDropped()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}

// Handler registers the collector on a dedicated registry and returns the
// scrape endpoint handler.
func Handler(c *Collector) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(c)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
