package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jittakal/kafeventsink/internal/connector"
	internalstorage "github.com/jittakal/kafeventsink/internal/storage"
)

// Ensure Metrics satisfies the collectors of the components it observes.
var (
	_ connector.MetricsCollector       = (*Metrics)(nil)
	_ internalstorage.MetricsCollector = (*Metrics)(nil)
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	// A second registration on the same registry must fail.
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_ConsumerMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.IncMessagesConsumed("orders", 0, 5)
	metrics.IncMessagesConsumed("orders", 0, 2)
	metrics.SetConsumerLag("orders", 0, 42)
	metrics.IncRebalances("sink-group")
	metrics.ObserveRebalanceDuration("sink-group", 0.4)
	metrics.IncOffsetCommits("orders", 0, "marked")
	metrics.SetPartitionsAssigned("orders", 3)
	metrics.IncPartitionPauses("orders", 1)

	assert.Equal(t, 7.0, testutil.ToFloat64(metrics.MessagesConsumed.WithLabelValues("orders", "0")))
	assert.Equal(t, 42.0, testutil.ToFloat64(metrics.ConsumerLag.WithLabelValues("orders", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Rebalances.WithLabelValues("sink-group")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.OffsetCommits.WithLabelValues("orders", "0", "marked")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.PartitionsAssigned.WithLabelValues("orders")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PartitionPauses.WithLabelValues("orders", "1")))
}

func TestMetrics_WriterMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.IncFilesCommitted("orders", 2, "parquet")
	metrics.IncFilesCommitted("orders", 2, "parquet")
	metrics.ObserveCommitDuration("orders", 2, 0.05)
	metrics.IncWriteFailures("orders", 2, "append")
	metrics.SetBufferedRecords("orders", 2, 12)
	metrics.SetLastCommittedOffset("orders", 2, 1999)
	metrics.IncWALReplays("orders", 2, 3)
	metrics.IncRecoveries("orders", "success")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FilesCommitted.WithLabelValues("orders", "2", "parquet")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.WriteFailures.WithLabelValues("orders", "2", "append")))
	assert.Equal(t, 12.0, testutil.ToFloat64(metrics.BufferRecordCount.WithLabelValues("orders", "2")))
	assert.Equal(t, 1999.0, testutil.ToFloat64(metrics.LastCommittedOffset.WithLabelValues("orders", "2")))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.WALReplays.WithLabelValues("orders", "2")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Recoveries.WithLabelValues("orders", "success")))
	assert.Equal(t, 1, testutil.CollectAndCount(metrics.CommitDuration))
}

func TestMetrics_StorageMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.IncStorageErrors("s3", "append")
	metrics.IncStorageErrors("s3", "append")
	metrics.IncStorageErrors("file", "move")
	metrics.ObserveStorageOperation("s3", "append", 0.02)
	metrics.ObserveStorageOperation("file", "move", 0.001)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.StorageErrors.WithLabelValues("s3", "append")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StorageErrors.WithLabelValues("file", "move")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.StorageOperationDuration))
}
