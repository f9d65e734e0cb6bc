package processor

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics holds the Prometheus collectors plus cheap atomic counters for
// the status API snapshot.
type metrics struct {
	processed      *prometheus.CounterVec
	denied         prometheus.Counter
	orphaned       *prometheus.CounterVec
	errored        *prometheus.CounterVec
	queueDropped   prometheus.Counter
	processSeconds prometheus.Histogram

	processedN    atomic.Int64
	deniedN       atomic.Int64
	orphanedN     atomic.Int64
	erroredN      atomic.Int64
	queueDroppedN atomic.Int64

	mu     sync.Mutex
	byType map[string]int64
}

// Snapshot is a point-in-time view of processor counters.
type Snapshot struct {
	Processed    int64            `json:"processed"`
	Denied       int64            `json:"denied"`
	Orphaned     int64            `json:"orphaned"`
	Errored      int64            `json:"errored"`
	QueueDropped int64            `json:"queue_dropped"`
	ByType       map[string]int64 `json:"by_type"`
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ambient_events_processed_total",
			Help: "Events accepted and routed by the processor.",
		}, []string{"type", "category"}),
		denied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ambient_events_denied_total",
			Help: "Events dropped by policy denial.",
		}),
		orphaned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ambient_events_orphaned_total",
			Help: "Events with no capable driver, subscriber or instruction.",
		}, []string{"type"}),
		errored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ambient_event_errors_total",
			Help: "Event processing failures by kind.",
		}, []string{"kind"}),
		queueDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ambient_processor_queue_dropped_total",
			Help: "Events dropped because the processing queue was full.",
		}),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ambient_event_processing_seconds",
			Help:    "Wall time spent processing one event.",
			Buckets: prometheus.DefBuckets,
		}),
		byType: make(map[string]int64),
	}
	if reg != nil {
		reg.MustRegister(m.processed, m.denied, m.orphaned, m.errored,
			m.queueDropped, m.processSeconds)
	}
	return m
}

func (m *metrics) recordProcessed(eventType, category string) {
	m.processed.WithLabelValues(eventType, category).Inc()
	m.processedN.Add(1)
	m.mu.Lock()
	m.byType[eventType]++
	m.mu.Unlock()
}

func (m *metrics) recordDenied() {
	m.denied.Inc()
	m.deniedN.Add(1)
}

func (m *metrics) recordOrphaned(eventType string) {
	m.orphaned.WithLabelValues(eventType).Inc()
	m.orphanedN.Add(1)
}

func (m *metrics) recordError(kind string) {
	m.errored.WithLabelValues(kind).Inc()
	m.erroredN.Add(1)
}

func (m *metrics) recordQueueDrop() {
	m.queueDropped.Inc()
	m.queueDroppedN.Add(1)
}

func (m *metrics) snapshot() Snapshot {
	m.mu.Lock()
	byType := make(map[string]int64, len(m.byType))
	for k, v := range m.byType {
		byType[k] = v
	}
	m.mu.Unlock()
	return Snapshot{
		Processed:    m.processedN.Load(),
		Denied:       m.deniedN.Load(),
		Orphaned:     m.orphanedN.Load(),
		Errored:      m.erroredN.Load(),
		QueueDropped: m.queueDroppedN.Load(),
		ByType:       byType,
	}
}
