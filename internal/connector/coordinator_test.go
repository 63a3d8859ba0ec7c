package connector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/internal/naming"
	"github.com/jittakal/kafeventsink/internal/partition"
	internalrecordwriter "github.com/jittakal/kafeventsink/internal/recordwriter"
	internalstorage "github.com/jittakal/kafeventsink/internal/storage"
	"github.com/jittakal/kafeventsink/pkg/event"
)

const (
	testBase    = "topics"
	testBackoff = 10 * time.Second
)

var (
	p0 = event.PartitionID{Topic: "orders", Partition: 0}
	p1 = event.PartitionID{Topic: "orders", Partition: 1}
	p2 = event.PartitionID{Topic: "orders", Partition: 2}

	errInjected = errors.New("injected failure")
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type mockMetrics struct {
	mu       sync.Mutex
	assigned map[string]float64
}

func (m *mockMetrics) IncFilesCommitted(string, int32, string)       {}
func (m *mockMetrics) ObserveCommitDuration(string, int32, float64)  {}
func (m *mockMetrics) IncWriteFailures(string, int32, string)        {}
func (m *mockMetrics) SetBufferedRecords(string, int32, float64)     {}
func (m *mockMetrics) SetLastCommittedOffset(string, int32, float64) {}
func (m *mockMetrics) IncWALReplays(string, int32, int)              {}
func (m *mockMetrics) IncRecoveries(string, string)                  {}

func (m *mockMetrics) SetPartitionsAssigned(topic string, count float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assigned[topic] = count
}

type fixture struct {
	t           *testing.T
	store       *internalstorage.MemoryStorage
	provider    *internalrecordwriter.MemoryProvider
	clock       *fakeClock
	coordinator *Coordinator
}

func newFixture(t *testing.T, metrics MetricsCollector) *fixture {
	t.Helper()

	f := &fixture{
		t:        t,
		store:    internalstorage.NewMemoryStorage(),
		provider: internalrecordwriter.NewMemoryProvider(),
		clock:    &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	cfg := Config{
		Partition: partition.Config{
			BaseDir:      testBase,
			FlushSize:    3,
			RetryBackoff: testBackoff,
			Now:          f.clock.Now,
		},
		Parallelism: 2,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.coordinator = New(cfg, f.store, f.provider, logger, metrics, nil)
	return f
}

func (f *fixture) assign(partitions ...event.PartitionID) {
	f.t.Helper()
	require.NoError(f.t, f.coordinator.OnPartitionsAssigned(context.Background(), partitions))
}

func (f *fixture) write(records []event.Record) time.Duration {
	f.t.Helper()
	d, err := f.coordinator.Write(context.Background(), records)
	require.NoError(f.t, err)
	return d
}

func records(pid event.PartitionID, from, to int64) []event.Record {
	var out []event.Record
	for offset := from; offset <= to; offset++ {
		out = append(out, event.Record{
			Topic:     pid.Topic,
			Partition: pid.Partition,
			Offset:    offset,
			Value:     []byte("value"),
		})
	}
	return out
}

func (f *fixture) committedRanges(pid event.PartitionID) [][2]int64 {
	dir := naming.Layout{Base: testBase}.Dir(pid) + "/"
	var ranges [][2]int64
	for _, p := range f.store.Paths() {
		if !strings.HasPrefix(p, dir) {
			continue
		}
		if c := naming.Classify(p); c.Kind == naming.KindCommitted {
			ranges = append(ranges, [2]int64{c.Start, c.End})
		}
	}
	sort.Slice(ranges, func(i, j int) bool { return ranges[i][0] < ranges[j][0] })
	return ranges
}

func (f *fixture) tempLines(pid event.PartitionID) int {
	data, ok := f.store.Read(naming.Layout{Base: testBase}.Temp(pid))
	require.True(f.t, ok)
	return strings.Count(string(data), "\n")
}

func TestCoordinator_WriteMultiplePartitions(t *testing.T) {
	f := newFixture(t, nil)
	f.assign(p0, p1)

	batch := append(records(p0, 0, 6), records(p1, 0, 6)...)
	assert.Zero(t, f.write(batch))
	require.NoError(t, f.coordinator.Close(context.Background()))

	for _, pid := range []event.PartitionID{p0, p1} {
		assert.Equal(t, [][2]int64{{0, 2}, {3, 5}, {6, 6}}, f.committedRanges(pid), pid.String())
	}
	assert.Empty(t, f.coordinator.Assignment())
}

func TestCoordinator_WriterFailureIsIsolated(t *testing.T) {
	f := newFixture(t, nil)
	f.assign(p0, p1)

	f.write(append(records(p0, 0, 0), records(p1, 0, 0)...))

	rw, ok := f.coordinator.Writer(p0).RecordWriter().(*internalrecordwriter.MemoryWriter)
	require.True(t, ok)
	rw.SetWriteFailure(errInjected)

	assert.Equal(t, testBackoff, f.write(append(records(p0, 1, 6), records(p1, 1, 6)...)))
	assert.Equal(t, [][2]int64{{0, 2}, {3, 5}}, f.committedRanges(p1))
	assert.Empty(t, f.committedRanges(p0))
	assert.Equal(t, map[event.PartitionID]time.Duration{p0: testBackoff}, f.coordinator.Backoffs())

	rw.SetWriteFailure(nil)
	rw.SetCloseFailure(errInjected)
	assert.Equal(t, testBackoff, f.write(nil))
	assert.Equal(t, 1, f.tempLines(p0))

	f.clock.Advance(testBackoff)
	assert.Equal(t, testBackoff, f.write(nil))
	assert.Equal(t, 3, f.tempLines(p0))

	rw.SetCloseFailure(nil)
	f.clock.Advance(testBackoff)
	assert.Zero(t, f.write(nil))
	assert.Equal(t, [][2]int64{{0, 2}, {3, 5}}, f.committedRanges(p0))
	assert.Empty(t, f.coordinator.Backoffs())

	assert.Equal(t, map[event.PartitionID]int64{p0: 5, p1: 5}, f.coordinator.CommittedOffsets())
	require.NoError(t, f.coordinator.Close(context.Background()))
}

func TestCoordinator_UnassignedPartition(t *testing.T) {
	f := newFixture(t, nil)
	f.assign(p0)

	d, err := f.coordinator.Write(context.Background(), append(records(p0, 0, 2), records(p2, 0, 2)...))
	assert.Zero(t, d)
	require.ErrorIs(t, err, apperrors.ErrPartitionNotAssigned)
	assert.Contains(t, err.Error(), p2.String())

	assert.Equal(t, [][2]int64{{0, 2}}, f.committedRanges(p0))
	assert.Empty(t, f.committedRanges(p2))
}

func TestCoordinator_WritePartition(t *testing.T) {
	f := newFixture(t, nil)
	f.assign(p0, p1)
	ctx := context.Background()

	f.write(records(p1, 0, 0))
	rw, ok := f.coordinator.Writer(p1).RecordWriter().(*internalrecordwriter.MemoryWriter)
	require.True(t, ok)
	rw.SetWriteFailure(errInjected)
	assert.Equal(t, testBackoff, f.write(records(p1, 1, 1)))
	rw.SetWriteFailure(nil)

	f.clock.Advance(testBackoff)
	d, err := f.coordinator.WritePartition(ctx, p0, records(p0, 0, 2))
	require.NoError(t, err)
	assert.Zero(t, d)
	assert.Equal(t, [][2]int64{{0, 2}}, f.committedRanges(p0))

	// Only p0's writer was called, so p1 still reports its backoff state.
	assert.Equal(t, partition.StateBackoff, f.coordinator.Writer(p1).State())
	assert.Equal(t, 1, f.coordinator.Writer(p1).Buffered())

	_, err = f.coordinator.WritePartition(ctx, p2, records(p2, 0, 0))
	assert.ErrorIs(t, err, apperrors.ErrPartitionNotAssigned)

	_, err = f.coordinator.WritePartition(ctx, p0, records(p1, 2, 2))
	assert.Error(t, err)
	assert.Equal(t, 1, f.coordinator.Writer(p1).Buffered())
}

func TestCoordinator_LostTempFileRequiresRedelivery(t *testing.T) {
	f := newFixture(t, nil)
	f.assign(p0, p1)
	ctx := context.Background()

	f.store.SetFailure(internalstorage.OpMove, errInjected)
	assert.Equal(t, testBackoff, f.write(records(p0, 0, 2)))
	require.NoError(t, f.store.Delete(ctx, naming.Layout{Base: testBase}.Temp(p0)))
	f.store.SetFailure(internalstorage.OpMove, nil)
	f.clock.Advance(testBackoff)

	d, err := f.coordinator.WritePartition(ctx, p0, nil)
	assert.Equal(t, testBackoff, d)
	require.ErrorIs(t, err, apperrors.ErrRedeliveryRequired)

	_, err = f.coordinator.Write(ctx, records(p1, 0, 2))
	require.ErrorIs(t, err, apperrors.ErrRedeliveryRequired)
	assert.Contains(t, err.Error(), p0.String())
	assert.Equal(t, [][2]int64{{0, 2}}, f.committedRanges(p1))
	assert.Empty(t, f.committedRanges(p0))
	assert.Equal(t, map[event.PartitionID]int64{p1: 2}, f.coordinator.CommittedOffsets())

	require.NoError(t, f.coordinator.OnPartitionsRevoked(ctx, []event.PartitionID{p0}))
	f.assign(p0)
	d, err = f.coordinator.WritePartition(ctx, p0, records(p0, 0, 2))
	require.NoError(t, err)
	assert.Zero(t, d)
	assert.Equal(t, [][2]int64{{0, 2}}, f.committedRanges(p0))
}

func TestCoordinator_Rebalance(t *testing.T) {
	metrics := &mockMetrics{assigned: make(map[string]float64)}
	f := newFixture(t, metrics)
	ctx := context.Background()

	f.assign(p0, p1)
	assert.Equal(t, float64(2), metrics.assigned["orders"])
	f.write(append(records(p0, 0, 6), records(p1, 0, 6)...))

	oldWriter := f.coordinator.Writer(p1)
	require.NotNil(t, oldWriter)

	require.NoError(t, f.coordinator.OnPartitionsRevoked(ctx, []event.PartitionID{p0, p1}))
	assert.Equal(t, float64(0), metrics.assigned["orders"])
	f.assign(p0, p2)

	assert.Equal(t, []event.PartitionID{p0, p2}, f.coordinator.Assignment())
	assert.Nil(t, f.coordinator.Writer(p1))
	assert.Equal(t, partition.StateClosed, oldWriter.State())
	assert.Nil(t, oldWriter.RecordWriter())
	assert.Equal(t, [][2]int64{{0, 2}, {3, 5}, {6, 6}}, f.committedRanges(p1))

	// The new owner of p0 resumes after the flushed file.
	assert.Equal(t, map[event.PartitionID]int64{p0: 6}, f.coordinator.CommittedOffsets())

	f.write(append(records(p0, 7, 9), records(p2, 7, 9)...))
	require.NoError(t, f.coordinator.Close(ctx))

	assert.Equal(t, [][2]int64{{0, 2}, {3, 5}, {6, 6}, {7, 9}}, f.committedRanges(p0))
	assert.Equal(t, [][2]int64{{7, 9}}, f.committedRanges(p2))
	assert.Equal(t, [][2]int64{{0, 2}, {3, 5}, {6, 6}}, f.committedRanges(p1))
}

func TestCoordinator_AssignIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.assign(p0)
	w := f.coordinator.Writer(p0)

	f.assign(p0)
	assert.Same(t, w, f.coordinator.Writer(p0))

	// Revoking an unknown partition is a no-op.
	require.NoError(t, f.coordinator.OnPartitionsRevoked(context.Background(), []event.PartitionID{p2}))
	assert.Equal(t, []event.PartitionID{p0}, f.coordinator.Assignment())
}

func TestCoordinator_RecoveryFailure(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	f.store.SetFailure(internalstorage.OpList, errInjected)
	err := f.coordinator.OnPartitionsAssigned(ctx, []event.PartitionID{p0, p1})
	require.Error(t, err)

	var recoveryErr *apperrors.RecoveryError
	require.ErrorAs(t, err, &recoveryErr)
	assert.Equal(t, partition.StageList, recoveryErr.Stage)
	assert.Empty(t, f.coordinator.Assignment())

	f.store.ClearFailures()
	f.assign(p0, p1)
	assert.Len(t, f.coordinator.Assignment(), 2)
}

func TestCoordinator_CloseDiscardsBackoff(t *testing.T) {
	f := newFixture(t, nil)
	f.assign(p0)

	f.store.SetFailure(internalstorage.OpAppend, errInjected)
	assert.Equal(t, testBackoff, f.write(records(p0, 0, 4)))
	f.store.ClearFailures()

	require.NoError(t, f.coordinator.Close(context.Background()))
	assert.Empty(t, f.committedRanges(p0))

	// Reassignment starts from scratch and the upstream redelivers.
	f.assign(p0)
	assert.Empty(t, f.coordinator.CommittedOffsets())
	f.write(records(p0, 0, 4))
	assert.Equal(t, [][2]int64{{0, 2}}, f.committedRanges(p0))
}
