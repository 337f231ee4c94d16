package sentry

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "sentry_reporter"
)

// metricsCollector implements prometheus.Collector interface
type metricsCollector struct {
	// Atomic counters for thread-safe metric updates
	capturedEvents   atomic.Uint64 // Events handed to the pipeline, all levels
	successfulEvents atomic.Uint64 // Events acknowledged with HTTP 200
	failedEvents     atomic.Uint64 // Send attempts that did not succeed
	storedEvents     atomic.Uint64 // Events written to the pending store
	droppedEvents    atomic.Uint64 // Submissions discarded because the backlog was full
	vetoedEvents     atomic.Uint64 // Captures abandoned by the capture listener

	successfulEventsDesc *prometheus.Desc
	failedEventsDesc     *prometheus.Desc
	storedEventsDesc     *prometheus.Desc
	droppedEventsDesc    *prometheus.Desc
	vetoedEventsDesc     *prometheus.Desc

	// Vector metric for captured events by level
	eventsByLevel *prometheus.CounterVec
}

// newMetricsCollector creates a new metrics collector
func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		successfulEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "successful_events_total"),
			"Total number of successfully sent events",
			nil, nil),

		failedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "failed_events_total"),
			"Total number of failed send attempts",
			nil, nil),

		storedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "stored_events_total"),
			"Total number of events written to the pending store",
			nil, nil),

		droppedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "dropped_events_total"),
			"Total number of submissions discarded because the delivery backlog was full",
			nil, nil),

		vetoedEventsDesc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "vetoed_events_total"),
			"Total number of captures abandoned by the capture listener",
			nil, nil),

		eventsByLevel: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: prometheus.BuildFQName(namespace, "", "captured_events_total"),
				Help: "Total number of captured events by level",
			},
			[]string{"level"}),
	}
}

func (mc *metricsCollector) IncSuccessfulEvents() { mc.successfulEvents.Add(1) }
func (mc *metricsCollector) IncFailedEvents()     { mc.failedEvents.Add(1) }
func (mc *metricsCollector) IncStoredEvents()     { mc.storedEvents.Add(1) }
func (mc *metricsCollector) IncDroppedEvents()    { mc.droppedEvents.Add(1) }
func (mc *metricsCollector) IncVetoedEvents()     { mc.vetoedEvents.Add(1) }

// IncCapturedEvents increments the captured counter for the level
func (mc *metricsCollector) IncCapturedEvents(level Level) {
	if level == "" {
		level = LevelError
	}
	mc.capturedEvents.Add(1)
	mc.eventsByLevel.WithLabelValues(string(level)).Inc()
}

// snapshot fills the counter part of TransportMetrics
func (mc *metricsCollector) snapshot() *TransportMetrics {
	return &TransportMetrics{
		EventsCaptured: int64(mc.capturedEvents.Load()),
		EventsSent:     int64(mc.successfulEvents.Load()),
		EventsFailed:   int64(mc.failedEvents.Load()),
		EventsStored:   int64(mc.storedEvents.Load()),
		EventsDropped:  int64(mc.droppedEvents.Load()),
		EventsVetoed:   int64(mc.vetoedEvents.Load()),
	}
}

// Describe sends all metric descriptions to Prometheus
func (mc *metricsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- mc.successfulEventsDesc
	ch <- mc.failedEventsDesc
	ch <- mc.storedEventsDesc
	ch <- mc.droppedEventsDesc
	ch <- mc.vetoedEventsDesc

	mc.eventsByLevel.Describe(ch)
}

// Collect sends current metric values to Prometheus
func (mc *metricsCollector) Collect(ch chan<- prometheus.Metric) {
	for _, c := range []struct {
		desc  *prometheus.Desc
		value *atomic.Uint64
	}{
		{mc.successfulEventsDesc, &mc.successfulEvents},
		{mc.failedEventsDesc, &mc.failedEvents},
		{mc.storedEventsDesc, &mc.storedEvents},
		{mc.droppedEventsDesc, &mc.droppedEvents},
		{mc.vetoedEventsDesc, &mc.vetoedEvents},
	} {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.value.Load()))
	}

	mc.eventsByLevel.Collect(ch)
}
