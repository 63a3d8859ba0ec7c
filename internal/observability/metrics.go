package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics.
type Metrics struct {
	// Consumer metrics
	MessagesConsumed   *prometheus.CounterVec
	ConsumerLag        *prometheus.GaugeVec
	OffsetCommits      *prometheus.CounterVec
	Rebalances         *prometheus.CounterVec
	RebalanceDuration  *prometheus.HistogramVec
	PartitionsAssigned *prometheus.GaugeVec
	PartitionPauses    *prometheus.CounterVec

	// Partition writer metrics
	FilesCommitted      *prometheus.CounterVec
	CommitDuration      *prometheus.HistogramVec
	WriteFailures       *prometheus.CounterVec
	BufferRecordCount   *prometheus.GaugeVec
	LastCommittedOffset *prometheus.GaugeVec
	WALReplays          *prometheus.CounterVec
	Recoveries          *prometheus.CounterVec

	// Storage metrics
	StorageOperationDuration *prometheus.HistogramVec
	StorageErrors            *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		// Consumer metrics
		MessagesConsumed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_messages_consumed_total",
				Help: "Total number of messages consumed from Kafka",
			},
			[]string{"topic", "partition"},
		),
		ConsumerLag: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kafka_consumer_lag",
				Help: "Current consumer lag",
			},
			[]string{"topic", "partition"},
		),
		OffsetCommits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_offset_commit_total",
				Help: "Total number of offsets marked for commit",
			},
			[]string{"topic", "partition", "status"},
		),
		Rebalances: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_rebalance_total",
				Help: "Total number of consumer group rebalances",
			},
			[]string{"group"},
		),
		RebalanceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kafka_rebalance_duration_seconds",
				Help:    "Duration of partition recovery during rebalances",
				Buckets: []float64{0.1, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
			[]string{"group"},
		),
		PartitionsAssigned: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "kafka_partitions_assigned",
				Help: "Number of partitions currently assigned to this consumer",
			},
			[]string{"topic"},
		),
		PartitionPauses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kafka_partition_pauses_total",
				Help: "Total number of partition pauses caused by sink backoff",
			},
			[]string{"topic", "partition"},
		),

		// Partition writer metrics
		FilesCommitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sink_files_committed_total",
				Help: "Total number of committed files",
			},
			[]string{"topic", "partition", "format"},
		),
		CommitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sink_commit_duration_seconds",
				Help:    "Duration of temp file commits including the wal append and rename",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"topic", "partition"},
		),
		WriteFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sink_write_failures_total",
				Help: "Total number of write path failures that started a backoff",
			},
			[]string{"topic", "partition", "kind"},
		),
		BufferRecordCount: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sink_buffer_record_count",
				Help: "Current number of records waiting to be written to the temp file",
			},
			[]string{"topic", "partition"},
		),
		LastCommittedOffset: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sink_last_committed_offset",
				Help: "End offset of the newest committed file",
			},
			[]string{"topic", "partition"},
		),
		WALReplays: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sink_wal_replayed_entries_total",
				Help: "Total number of wal entries whose rename was redone",
			},
			[]string{"topic", "partition"},
		),
		Recoveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sink_partition_recoveries_total",
				Help: "Total number of partition recoveries",
			},
			[]string{"topic", "status"},
		),

		// Storage metrics
		StorageOperationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "storage_operation_duration_seconds",
				Help:    "Duration of storage operations",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"backend", "operation"},
		),
		StorageErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"backend", "error_type"},
		),
	}
}

func partitionLabel(partition int32) string {
	return strconv.FormatInt(int64(partition), 10)
}

// IncMessagesConsumed adds n to the messages consumed counter.
func (m *Metrics) IncMessagesConsumed(topic string, partition int32, n int) {
	m.MessagesConsumed.WithLabelValues(topic, partitionLabel(partition)).Add(float64(n))
}

// SetConsumerLag sets the consumer lag gauge.
func (m *Metrics) SetConsumerLag(topic string, partition int32, lag float64) {
	m.ConsumerLag.WithLabelValues(topic, partitionLabel(partition)).Set(lag)
}

// IncRebalances increments rebalances counter.
func (m *Metrics) IncRebalances(groupID string) {
	m.Rebalances.WithLabelValues(groupID).Inc()
}

// IncOffsetCommits increments offset commits counter.
func (m *Metrics) IncOffsetCommits(topic string, partition int32, status string) {
	m.OffsetCommits.WithLabelValues(topic, partitionLabel(partition), status).Inc()
}

// ObserveRebalanceDuration observes rebalance duration.
func (m *Metrics) ObserveRebalanceDuration(groupID string, duration float64) {
	m.RebalanceDuration.WithLabelValues(groupID).Observe(duration)
}

// SetPartitionsAssigned sets partitions assigned gauge.
func (m *Metrics) SetPartitionsAssigned(topic string, count float64) {
	m.PartitionsAssigned.WithLabelValues(topic).Set(count)
}

// IncPartitionPauses increments the partition pauses counter.
func (m *Metrics) IncPartitionPauses(topic string, partition int32) {
	m.PartitionPauses.WithLabelValues(topic, partitionLabel(partition)).Inc()
}

// IncFilesCommitted increments files committed counter.
func (m *Metrics) IncFilesCommitted(topic string, partition int32, format string) {
	m.FilesCommitted.WithLabelValues(topic, partitionLabel(partition), format).Inc()
}

// ObserveCommitDuration observes commit duration.
func (m *Metrics) ObserveCommitDuration(topic string, partition int32, duration float64) {
	m.CommitDuration.WithLabelValues(topic, partitionLabel(partition)).Observe(duration)
}

// IncWriteFailures increments write failures counter.
func (m *Metrics) IncWriteFailures(topic string, partition int32, kind string) {
	m.WriteFailures.WithLabelValues(topic, partitionLabel(partition), kind).Inc()
}

// SetBufferedRecords sets buffered records gauge.
func (m *Metrics) SetBufferedRecords(topic string, partition int32, count float64) {
	m.BufferRecordCount.WithLabelValues(topic, partitionLabel(partition)).Set(count)
}

// SetLastCommittedOffset sets last committed offset gauge.
func (m *Metrics) SetLastCommittedOffset(topic string, partition int32, offset float64) {
	m.LastCommittedOffset.WithLabelValues(topic, partitionLabel(partition)).Set(offset)
}

// IncWALReplays adds replayed entries to the wal replays counter.
func (m *Metrics) IncWALReplays(topic string, partition int32, entries int) {
	m.WALReplays.WithLabelValues(topic, partitionLabel(partition)).Add(float64(entries))
}

// IncRecoveries increments recoveries counter.
func (m *Metrics) IncRecoveries(topic string, status string) {
	m.Recoveries.WithLabelValues(topic, status).Inc()
}

// ObserveStorageOperation observes storage operation duration.
func (m *Metrics) ObserveStorageOperation(backend string, operation string, duration float64) {
	m.StorageOperationDuration.WithLabelValues(backend, operation).Observe(duration)
}

// IncStorageErrors increments storage errors counter.
func (m *Metrics) IncStorageErrors(backend string, operation string) {
	m.StorageErrors.WithLabelValues(backend, operation).Inc()
}
