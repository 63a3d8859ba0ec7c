// Package buffer implements the pending record queue of a partition writer.
package buffer

import (
	"sync"
	"time"

	"github.com/jittakal/kafeventsink/pkg/buffer"
	"github.com/jittakal/kafeventsink/pkg/event"
)

// Ensure implementation satisfies interface at compile time.
var _ buffer.Buffer = (*PartitionBuffer)(nil)

// PartitionBuffer holds records for a single Kafka partition in offset order.
// Records at or below the high watermark are dropped as redeliveries, so a
// record is accepted at most once for the lifetime of the buffer.
type PartitionBuffer struct {
	partitionID    event.PartitionID
	records        []event.Record
	highWatermark  int64
	currentSize    int64
	firstWriteTime time.Time
	lastWriteTime  time.Time
	now            func() time.Time
	mu             sync.RWMutex
}

// New creates a partition buffer that accepts offsets greater than floor.
// Use -1 as floor when nothing has been committed for the partition.
func New(partitionID event.PartitionID, floor int64, now func() time.Time) *PartitionBuffer {
	if now == nil {
		now = time.Now
	}
	return &PartitionBuffer{
		partitionID:   partitionID,
		highWatermark: floor,
		now:           now,
	}
}

// Add appends records above the high watermark. Records belonging to other
// partitions are ignored.
func (b *PartitionBuffer) Add(records ...event.Record) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	accepted := 0
	for _, record := range records {
		if record.PartitionID() != b.partitionID || record.Offset <= b.highWatermark {
			continue
		}

		b.records = append(b.records, record)
		b.currentSize += record.Size()
		b.highWatermark = record.Offset
		accepted++
	}

	if accepted > 0 {
		now := b.now()
		if b.firstWriteTime.IsZero() {
			b.firstWriteTime = now
		}
		b.lastWriteTime = now
	}

	return accepted
}

// Peek returns the oldest pending record.
func (b *PartitionBuffer) Peek() (event.Record, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if len(b.records) == 0 {
		return event.Record{}, false
	}
	return b.records[0], true
}

// Pop removes the oldest pending record.
func (b *PartitionBuffer) Pop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.records) == 0 {
		return
	}
	b.currentSize -= b.records[0].Size()
	b.records[0] = event.Record{}
	b.records = b.records[1:]
	if len(b.records) == 0 {
		b.reset()
	}
}

// HighWatermark returns the highest accepted offset.
func (b *PartitionBuffer) HighWatermark() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.highWatermark
}

// Stats returns current buffer statistics.
func (b *PartitionBuffer) Stats() event.FileStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return event.FileStats{
		RecordCount:    len(b.records),
		SizeBytes:      b.currentSize,
		FirstWriteTime: b.firstWriteTime,
		LastWriteTime:  b.lastWriteTime,
	}
}

// Len returns the number of pending records.
func (b *PartitionBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.records)
}

// Reset discards pending records. The high watermark is kept.
func (b *PartitionBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reset()
}

func (b *PartitionBuffer) reset() {
	b.records = nil
	b.currentSize = 0
	b.firstWriteTime = time.Time{}
	b.lastWriteTime = time.Time{}
}
