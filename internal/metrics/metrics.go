package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the approval workflow.
type Metrics struct {
	RequestsCreated          prometheus.Counter
	Transitions              *prometheus.CounterVec
	RejectedTransitions      *prometheus.CounterVec
	ExtractionFailures       prometheus.Counter
	PurchaseOrderGenerated   prometheus.Counter
	PurchaseOrderFailures    prometheus.Counter
	PurchaseOrderGenDuration prometheus.Histogram
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purchase_requests_created_total",
			Help: "Total number of purchase requests created",
		}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purchase_request_transitions_total",
			Help: "Applied status transitions by target status",
		}, []string{"to"}),
		RejectedTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "purchase_request_invalid_transitions_total",
			Help: "Approve/reject calls refused because of the current status",
		}, []string{"operation"}),
		ExtractionFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "proforma_extraction_failures_total",
			Help: "Proforma documents whose data could not be extracted",
		}),
		PurchaseOrderGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purchase_orders_generated_total",
			Help: "Purchase order documents generated",
		}),
		PurchaseOrderFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "purchase_order_generation_failures_total",
			Help: "Final approvals whose purchase order could not be generated",
		}),
		PurchaseOrderGenDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "purchase_order_generation_seconds",
			Help:    "Time spent rendering purchase orders",
			Buckets: prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.RequestsCreated,
			m.Transitions,
			m.RejectedTransitions,
			m.ExtractionFailures,
			m.PurchaseOrderGenerated,
			m.PurchaseOrderFailures,
			m.PurchaseOrderGenDuration,
		)
	}
	return m
}

func (m *Metrics) IncTransition(to string) {
	m.Transitions.WithLabelValues(to).Inc()
}

func (m *Metrics) IncInvalidTransition(operation string) {
	m.RejectedTransitions.WithLabelValues(operation).Inc()
}
