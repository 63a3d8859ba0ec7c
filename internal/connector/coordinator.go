// Package connector maps assigned partitions to partition writers and
// dispatches record batches to them.
package connector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/internal/partition"
	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/recordwriter"
	"github.com/jittakal/kafeventsink/pkg/sink"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// Ensure implementation satisfies interface at compile time.
var _ sink.Sink = (*Coordinator)(nil)

// Config configures the coordinator.
type Config struct {
	Partition partition.Config

	// Parallelism bounds how many partitions are written or recovered
	// concurrently. Defaults to GOMAXPROCS.
	Parallelism int
}

// MetricsCollector receives coordinator and partition writer metrics.
type MetricsCollector interface {
	partition.MetricsCollector
	SetPartitionsAssigned(topic string, count float64)
}

// Coordinator owns one partition writer per assigned partition.
type Coordinator struct {
	cfg      Config
	storage  storage.Storage
	provider recordwriter.Provider
	logger   *slog.Logger
	metrics  MetricsCollector
	tracer   trace.Tracer

	mu      sync.RWMutex
	writers map[event.PartitionID]*partition.Writer
	topics  map[string]struct{}
}

// New creates a coordinator with no assigned partitions. provider creates
// the record writers of every partition.
func New(
	cfg Config,
	store storage.Storage,
	provider recordwriter.Provider,
	logger *slog.Logger,
	metrics MetricsCollector,
	tracer trace.Tracer,
) *Coordinator {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("connector")
	}

	return &Coordinator{
		cfg:      cfg,
		storage:  store,
		provider: provider,
		logger:   logger.With("component", "coordinator"),
		metrics:  metrics,
		tracer:   tracer,
		writers:  make(map[event.PartitionID]*partition.Writer),
		topics:   make(map[string]struct{}),
	}
}

// Write forwards records to the writers of their partitions and returns the
// longest backoff reported by any writer. Every assigned writer is called,
// with or without records, so that partitions waiting on a retry make
// progress. Records of unassigned partitions are rejected with
// errors.ErrPartitionNotAssigned after the others have been written, and
// partitions that lost uncommitted records are reported with
// errors.ErrRedeliveryRequired.
func (c *Coordinator) Write(ctx context.Context, records []event.Record) (time.Duration, error) {
	grouped := event.GroupByPartition(records)

	c.mu.RLock()
	writers := make([]*partition.Writer, 0, len(c.writers))
	for _, w := range c.writers {
		writers = append(writers, w)
	}
	var unassigned []event.PartitionID
	for pid := range grouped {
		if _, ok := c.writers[pid]; !ok {
			unassigned = append(unassigned, pid)
		}
	}
	c.mu.RUnlock()

	var (
		mu      sync.Mutex
		backoff time.Duration
		g       errgroup.Group
	)
	g.SetLimit(c.cfg.Parallelism)

	for _, w := range writers {
		batch := grouped[w.ID()]
		g.Go(func() error {
			d := w.Write(ctx, batch)
			if d > 0 {
				mu.Lock()
				backoff = max(backoff, d)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	var errs []error
	if len(unassigned) > 0 {
		sortPartitions(unassigned)
		errs = append(errs, fmt.Errorf("%w: %v", apperrors.ErrPartitionNotAssigned, unassigned))
	}
	var redeliver []event.PartitionID
	for _, w := range writers {
		if w.NeedsRedelivery() {
			redeliver = append(redeliver, w.ID())
		}
	}
	if len(redeliver) > 0 {
		sortPartitions(redeliver)
		errs = append(errs, fmt.Errorf("%w: %v", apperrors.ErrRedeliveryRequired, redeliver))
	}
	return backoff, errors.Join(errs...)
}

// WritePartition forwards records of a single partition to its writer and
// returns that writer's backoff. Only this partition's writer is called.
// errors.ErrRedeliveryRequired reports that the writer lost uncommitted
// records and the partition must be revoked and redelivered.
func (c *Coordinator) WritePartition(ctx context.Context, pid event.PartitionID, records []event.Record) (time.Duration, error) {
	for _, r := range records {
		if r.PartitionID() != pid {
			return 0, fmt.Errorf("record of partition %s passed for partition %s", r.PartitionID(), pid)
		}
	}

	c.mu.RLock()
	w, ok := c.writers[pid]
	c.mu.RUnlock()
	if !ok {
		return 0, fmt.Errorf("%w: %s", apperrors.ErrPartitionNotAssigned, pid)
	}

	backoff := w.Write(ctx, records)
	if w.NeedsRedelivery() {
		return backoff, fmt.Errorf("%w: %s", apperrors.ErrRedeliveryRequired, pid)
	}
	return backoff, nil
}

// OnPartitionsAssigned creates and recovers a writer for every partition
// not already assigned. Partitions that fail to recover are not assigned;
// their errors are joined.
func (c *Coordinator) OnPartitionsAssigned(ctx context.Context, partitions []event.PartitionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, span := c.tracer.Start(ctx, "connector.Coordinator.OnPartitionsAssigned",
		trace.WithAttributes(attribute.Int("partitions", len(partitions))))
	defer span.End()

	var pending []*partition.Writer
	for _, pid := range partitions {
		if _, ok := c.writers[pid]; ok {
			continue
		}
		pending = append(pending, partition.New(pid, c.cfg.Partition, c.storage, c.provider, c.logger, c.metrics, c.tracer))
	}

	var (
		mu        sync.Mutex
		recovered []*partition.Writer
		errs      []error
		g         errgroup.Group
	)
	g.SetLimit(c.cfg.Parallelism)

	for _, w := range pending {
		g.Go(func() error {
			if err := w.Recover(ctx); err != nil {
				if closeErr := w.Close(ctx); closeErr != nil {
					c.logger.Warn("failed to release unrecovered partition", "partition", w.ID().String(), "error", closeErr)
				}
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				return nil
			}
			mu.Lock()
			recovered = append(recovered, w)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for _, w := range recovered {
		c.writers[w.ID()] = w
	}
	c.reportAssignment()

	c.logger.Info("partitions assigned",
		"requested", len(partitions),
		"recovered", len(recovered),
		"failed", len(errs),
		"assigned", len(c.writers),
	)

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recovery_failed")
	}
	return err
}

// OnPartitionsRevoked flushes, closes and forgets the writers of the given
// partitions. Unknown partitions are ignored.
func (c *Coordinator) OnPartitionsRevoked(ctx context.Context, partitions []event.PartitionID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revoke(ctx, partitions)
}

func (c *Coordinator) revoke(ctx context.Context, partitions []event.PartitionID) error {
	ctx, span := c.tracer.Start(ctx, "connector.Coordinator.revoke",
		trace.WithAttributes(attribute.Int("partitions", len(partitions))))
	defer span.End()

	var revoked []*partition.Writer
	for _, pid := range partitions {
		w, ok := c.writers[pid]
		if !ok {
			continue
		}
		delete(c.writers, pid)
		revoked = append(revoked, w)
	}

	var (
		mu   sync.Mutex
		errs []error
		g    errgroup.Group
	)
	g.SetLimit(c.cfg.Parallelism)

	for _, w := range revoked {
		g.Go(func() error {
			if err := w.Close(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("failed to close partition %s: %w", w.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	c.reportAssignment()
	c.logger.Info("partitions revoked", "revoked", len(revoked), "assigned", len(c.writers))

	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "close_failed")
	}
	return err
}

// Close revokes every assigned partition.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	partitions := make([]event.PartitionID, 0, len(c.writers))
	for pid := range c.writers {
		partitions = append(partitions, pid)
	}
	return c.revoke(ctx, partitions)
}

// CommittedOffsets returns the last committed offset of every assigned
// partition that has committed data.
func (c *Coordinator) CommittedOffsets() map[event.PartitionID]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	offsets := make(map[event.PartitionID]int64, len(c.writers))
	for pid, w := range c.writers {
		if offset, ok := w.LastCommittedOffset(); ok {
			offsets[pid] = offset
		}
	}
	return offsets
}

// Assignment returns the assigned partitions ordered by topic and partition.
func (c *Coordinator) Assignment() []event.PartitionID {
	c.mu.RLock()
	defer c.mu.RUnlock()

	partitions := make([]event.PartitionID, 0, len(c.writers))
	for pid := range c.writers {
		partitions = append(partitions, pid)
	}
	sortPartitions(partitions)
	return partitions
}

// Writer returns the writer of an assigned partition, or nil.
func (c *Coordinator) Writer(pid event.PartitionID) *partition.Writer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.writers[pid]
}

// Backoffs returns the remaining backoff of every partition that is
// currently backing off.
func (c *Coordinator) Backoffs() map[event.PartitionID]time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()

	backoffs := make(map[event.PartitionID]time.Duration)
	for pid, w := range c.writers {
		if d := w.BackoffRemaining(); d > 0 {
			backoffs[pid] = d
		}
	}
	return backoffs
}

// reportAssignment must be called with c.mu held.
func (c *Coordinator) reportAssignment() {
	if c.metrics == nil {
		return
	}
	counts := make(map[string]int)
	for pid := range c.writers {
		c.topics[pid.Topic] = struct{}{}
		counts[pid.Topic]++
	}
	for topic := range c.topics {
		c.metrics.SetPartitionsAssigned(topic, float64(counts[topic]))
	}
}

func sortPartitions(partitions []event.PartitionID) {
	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].Topic != partitions[j].Topic {
			return partitions[i].Topic < partitions[j].Topic
		}
		return partitions[i].Partition < partitions[j].Partition
	})
}
