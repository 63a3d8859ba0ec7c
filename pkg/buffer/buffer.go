// Package buffer defines interfaces for holding records accepted by a
// partition writer but not yet written to its temp file.
package buffer

import (
	"github.com/jittakal/kafeventsink/pkg/event"
)

// Buffer is an offset-ordered queue of pending records for one partition.
// All implementations must be thread-safe.
type Buffer interface {
	// Add appends records whose offsets are above the high watermark and
	// returns how many were accepted. Records must be sorted by offset.
	Add(records ...event.Record) int

	// Peek returns the oldest pending record without removing it.
	Peek() (event.Record, bool)

	// Pop removes the oldest pending record.
	Pop()

	// HighWatermark returns the highest offset ever accepted, or the
	// initial floor if nothing was accepted.
	HighWatermark() int64

	// Stats returns current buffer statistics without modifying the buffer.
	Stats() event.FileStats

	// Len returns the number of pending records.
	Len() int

	// Reset discards all pending records.
	Reset()
}
