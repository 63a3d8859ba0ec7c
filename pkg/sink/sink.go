// Package sink defines the contract between an upstream consumer and the
// exactly-once partition sink.
package sink

import (
	"context"
	"time"

	"github.com/jittakal/kafeventsink/pkg/event"
)

// Sink persists records for a set of assigned partitions.
//
// Write never blocks for backoff. A positive duration is a hint that at least
// one partition is backing off and the host should call Write again (with or
// without records) once it elapses.
//
// A sink may lose records it has accepted but not committed, for example when
// a temp file disappears before its rename. It then reports an error
// wrapping ErrRedeliveryRequired from the errors package, and the host must
// revoke the partition and redeliver it from the offset after its last
// committed offset.
type Sink interface {
	Write(ctx context.Context, records []event.Record) (time.Duration, error)

	// WritePartition is Write restricted to the records and writer of one
	// partition. It returns that partition's backoff.
	WritePartition(ctx context.Context, pid event.PartitionID, records []event.Record) (time.Duration, error)

	// OnPartitionsAssigned recovers and starts tracking the given partitions.
	OnPartitionsAssigned(ctx context.Context, partitions []event.PartitionID) error

	// OnPartitionsRevoked stops tracking the given partitions.
	OnPartitionsRevoked(ctx context.Context, partitions []event.PartitionID) error

	// CommittedOffsets returns the last committed offset of every assigned
	// partition that has committed data.
	CommittedOffsets() map[event.PartitionID]int64

	// Backoffs returns the remaining backoff of every partition that is
	// backing off.
	Backoffs() map[event.PartitionID]time.Duration

	// Close revokes all partitions.
	Close(ctx context.Context) error
}
