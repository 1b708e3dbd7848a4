package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	EntriesAppended   prometheus.Counter
	IntegrityFailures *prometheus.CounterVec
	BatchFlushes      prometheus.Counter
	DroppedEvents     prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EntriesAppended: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_audit_entries_appended_total",
			Help: "Total number of entries appended to the audit ledger",
		}),
		IntegrityFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "vigil_audit_integrity_failures_total",
			Help: "Total number of chain integrity violations detected",
		}, []string{"failure"}),
		BatchFlushes: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_audit_batch_flushes_total",
			Help: "Total number of batched recorder flushes",
		}),
		DroppedEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_audit_dropped_events_total",
			Help: "Total number of audit events dropped by the batched recorder",
		}),
	}
}
