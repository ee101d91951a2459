package metrics

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"buildescrow/core/events"
	"buildescrow/core/types"
)

type EscrowMetrics struct {
	lifecycleEvents *prometheus.CounterVec
	disbursedUnits  *prometheus.CounterVec
	disputesOpened  prometheus.Counter
	timeoutsSwept   prometheus.Counter
	sweepDuration   prometheus.Histogram
	sweepErrors     prometheus.Counter
}

var (
	escrowOnce     sync.Once
	escrowRegistry *EscrowMetrics
)

// Escrow returns the lazily-initialised settlement metrics registry.
func Escrow() *EscrowMetrics {
	escrowOnce.Do(func() {
		escrowRegistry = &EscrowMetrics{
			lifecycleEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_lifecycle_events_total",
				Help: "Count of settlement lifecycle events by type.",
			}, []string{"type"}),
			disbursedUnits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "escrow_disbursed_units_total",
				Help: "Base units paid out segmented by destination leg.",
			}, []string{"leg"}),
			disputesOpened: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_disputes_opened_total",
				Help: "Count of disputes opened across all escrows.",
			}),
			timeoutsSwept: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_timeouts_swept_total",
				Help: "Count of escrows refunded by the timeout sweep.",
			}),
			sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "escrow_sweep_duration_seconds",
				Help:    "Wall time of a single timeout sweep batch.",
				Buckets: prometheus.DefBuckets,
			}),
			sweepErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "escrow_sweep_errors_total",
				Help: "Count of sweep batches that ended with an error.",
			}),
		}
		prometheus.MustRegister(
			escrowRegistry.lifecycleEvents,
			escrowRegistry.disbursedUnits,
			escrowRegistry.disputesOpened,
			escrowRegistry.timeoutsSwept,
			escrowRegistry.sweepDuration,
			escrowRegistry.sweepErrors,
		)
	})
	return escrowRegistry
}

// ObserveEvent records a lifecycle event and any payout legs it carries.
func (m *EscrowMetrics) ObserveEvent(evt *types.Event) {
	if m == nil || evt == nil {
		return
	}
	kind := strings.TrimSpace(evt.Type)
	if kind == "" {
		kind = "unknown"
	}
	m.lifecycleEvents.WithLabelValues(kind).Inc()
	if kind == "escrow.dispute_opened" {
		m.disputesOpened.Inc()
	}
	if kind == "escrow.expired_refunded" {
		m.timeoutsSwept.Inc()
	}
	for attr, leg := range map[string]string{
		"sellerReceived": "seller",
		"feeCut":         "treasury",
		"insuranceCut":   "insurance",
		"penalty":        "buyer_penalty",
	} {
		raw, ok := evt.Attributes[attr]
		if !ok {
			continue
		}
		if units, err := strconv.ParseFloat(raw, 64); err == nil && units > 0 {
			m.disbursedUnits.WithLabelValues(leg).Add(units)
		}
	}
}

// ObserveSweep records the outcome of one timeout sweep batch.
func (m *EscrowMetrics) ObserveSweep(elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(elapsed.Seconds())
	if err != nil {
		m.sweepErrors.Inc()
	}
}

// Emitter wraps another event emitter, feeding each event through the metrics
// registry before forwarding. A nil next drops events after counting them.
type Emitter struct {
	next    events.Emitter
	metrics *EscrowMetrics
}

// NewEmitter builds a metrics-observing emitter in front of next.
func NewEmitter(next events.Emitter) *Emitter {
	return &Emitter{next: next, metrics: Escrow()}
}

func (e *Emitter) Emit(evt events.Event) {
	if e == nil {
		return
	}
	if carrier, ok := evt.(interface{ Event() *types.Event }); ok {
		e.metrics.ObserveEvent(carrier.Event())
	}
	if e.next != nil {
		e.next.Emit(evt)
	}
}
