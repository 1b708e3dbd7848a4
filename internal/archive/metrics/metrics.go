package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	PartitionsArchived   prometheus.Counter
	PartitionsPurged     prometheus.Counter
	VerificationFailures prometheus.Counter
	ArchiveBytesWritten  prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		PartitionsArchived: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_archive_partitions_archived_total",
			Help: "Total number of ledger partitions exported to blob storage",
		}),
		PartitionsPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_archive_partitions_purged_total",
			Help: "Total number of ledger partitions purged after verification",
		}),
		VerificationFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_archive_verification_failures_total",
			Help: "Total number of failed archive blob or chain verifications",
		}),
		ArchiveBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "vigil_archive_bytes_written_total",
			Help: "Total bytes of serialized audit entries written to blob storage",
		}),
	}
}
