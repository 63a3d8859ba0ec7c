// Package partition implements the per-partition write path: buffering,
// temp file writes, the commit protocol and the backoff state machine.
package partition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jittakal/kafeventsink/internal/buffer"
	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/internal/naming"
	"github.com/jittakal/kafeventsink/internal/wal"
	"github.com/jittakal/kafeventsink/pkg/event"
	"github.com/jittakal/kafeventsink/pkg/recordwriter"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

const (
	// DefaultMaxCommitsPerWrite commits every ready batch in a single Write.
	DefaultMaxCommitsPerWrite = 0

	DefaultFlushSize    = 10000
	DefaultRetryBackoff = 5 * time.Second
)

// Recovery stages reported in errors.RecoveryError.
const (
	StageReplay   = "replay"
	StageTruncate = "truncate"
	StageList     = "list"
	StageCleanup  = "cleanup"
)

// Config configures a partition writer.
type Config struct {
	// BaseDir is the directory holding one subdirectory per topic.
	BaseDir string

	// FlushSize is the number of records per committed file.
	FlushSize int

	// MaxFileSizeBytes commits the temp file once it reaches this size. Zero disables it.
	MaxFileSizeBytes int64

	// RotateInterval commits the temp file once its first record is this old. Zero disables it.
	RotateInterval time.Duration

	// RetryBackoff is how long writes are suppressed after a failure.
	RetryBackoff time.Duration

	// MaxCommitsPerWrite bounds the commits made by one Write call.
	// Zero commits every ready batch.
	MaxCommitsPerWrite int

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.FlushSize <= 0 && c.MaxFileSizeBytes <= 0 && c.RotateInterval <= 0 {
		c.FlushSize = DefaultFlushSize
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	if c.MaxCommitsPerWrite < 0 {
		c.MaxCommitsPerWrite = DefaultMaxCommitsPerWrite
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// MetricsCollector receives partition writer metrics.
type MetricsCollector interface {
	IncFilesCommitted(topic string, partition int32, format string)
	ObserveCommitDuration(topic string, partition int32, duration float64)
	IncWriteFailures(topic string, partition int32, kind string)
	SetBufferedRecords(topic string, partition int32, count float64)
	SetLastCommittedOffset(topic string, partition int32, offset float64)
	IncWALReplays(topic string, partition int32, entries int)
	IncRecoveries(topic string, status string)
}

type noopMetrics struct{}

func (noopMetrics) IncFilesCommitted(string, int32, string)       {}
func (noopMetrics) ObserveCommitDuration(string, int32, float64)  {}
func (noopMetrics) IncWriteFailures(string, int32, string)        {}
func (noopMetrics) SetBufferedRecords(string, int32, float64)     {}
func (noopMetrics) SetLastCommittedOffset(string, int32, float64) {}
func (noopMetrics) IncWALReplays(string, int32, int)              {}
func (noopMetrics) IncRecoveries(string, string)                  {}

// State is the lifecycle state of a partition writer.
type State int

const (
	StateRecovering State = iota
	StateActive
	StateBackoff
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateRecovering:
		return "recovering"
	case StateActive:
		return "active"
	case StateBackoff:
		return "backoff"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// tempFile tracks what has been written to the live temp file.
type tempFile struct {
	start      int64
	end        int64
	count      int
	size       int64
	firstWrite time.Time
	lastWrite  time.Time
}

func (t *tempFile) add(record event.Record, now time.Time) {
	if t.count == 0 {
		t.start = record.Offset
		t.firstWrite = now
	}
	t.end = record.Offset
	t.count++
	t.size += record.Size()
	t.lastWrite = now
}

func (t *tempFile) stats() event.FileStats {
	return event.FileStats{
		RecordCount:    t.count,
		SizeBytes:      t.size,
		FirstWriteTime: t.firstWrite,
		LastWriteTime:  t.lastWrite,
	}
}

// Writer owns the write path of one partition. Calls are serialized by an
// internal lock; nothing runs in the background.
type Writer struct {
	id       event.PartitionID
	cfg      Config
	storage  storage.Storage
	provider recordwriter.Provider
	policy   *Policy
	layout   naming.Layout
	wal      *wal.WAL
	logger   *slog.Logger
	metrics  MetricsCollector
	tracer   trace.Tracer

	mu            sync.Mutex
	state         State
	deadline      time.Time
	buf           *buffer.PartitionBuffer
	lastCommitted int64
	writer        recordwriter.RecordWriter
	temp          tempFile
	pendingReplay bool
	redeliver     bool
}

// New creates a partition writer in StateRecovering. Recover must succeed
// before records are accepted.
func New(
	id event.PartitionID,
	cfg Config,
	store storage.Storage,
	provider recordwriter.Provider,
	logger *slog.Logger,
	metrics MetricsCollector,
	tracer trace.Tracer,
) *Writer {
	cfg = cfg.withDefaults()
	if metrics == nil {
		metrics = noopMetrics{}
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("partition")
	}

	logger = logger.With("component", "partition_writer", "topic", id.Topic, "partition", id.Partition)
	layout := naming.Layout{Base: cfg.BaseDir}

	return &Writer{
		id:            id,
		cfg:           cfg,
		storage:       store,
		provider:      provider,
		policy:        NewPolicy(cfg),
		layout:        layout,
		wal:           wal.New(store, layout.Log(id), logger),
		logger:        logger,
		metrics:       metrics,
		tracer:        tracer,
		state:         StateRecovering,
		buf:           buffer.New(id, -1, cfg.Now),
		lastCommitted: -1,
	}
}

// Recover replays and truncates the write-ahead log, derives the last
// committed offset from the committed files and removes any stale temp
// file. A failure is terminal for this writer and is returned as
// *errors.RecoveryError.
func (w *Writer) Recover(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != StateRecovering {
		return fmt.Errorf("cannot recover partition %s in state %s", w.id, w.state)
	}

	ctx, span := w.tracer.Start(ctx, "partition.Writer.Recover", trace.WithAttributes(
		attribute.String("topic", w.id.Topic),
		attribute.Int("partition", int(w.id.Partition)),
	))
	defer span.End()

	if err := w.recover(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recovery_failed")
		w.metrics.IncRecoveries(w.id.Topic, "failure")
		w.logger.Error("partition recovery failed", "error", err)
		return err
	}

	w.metrics.IncRecoveries(w.id.Topic, "success")
	return nil
}

func (w *Writer) recover(ctx context.Context) error {
	applied, err := w.wal.Replay(ctx)
	if err != nil {
		return &apperrors.RecoveryError{PartitionID: w.id, Stage: StageReplay, Err: err}
	}
	if err := w.wal.Truncate(ctx); err != nil {
		return &apperrors.RecoveryError{PartitionID: w.id, Stage: StageTruncate, Err: err}
	}

	files, err := w.storage.List(ctx, w.layout.Dir(w.id), naming.IsCommitted)
	if err != nil {
		return &apperrors.RecoveryError{PartitionID: w.id, Stage: StageList, Err: err}
	}
	paths := make([]string, 0, len(files))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	last, ok := naming.MaxCommittedOffset(paths)

	if err := w.storage.Delete(ctx, w.layout.Temp(w.id)); err != nil {
		return &apperrors.RecoveryError{PartitionID: w.id, Stage: StageCleanup, Err: err}
	}

	w.lastCommitted = last
	w.buf = buffer.New(w.id, last, w.cfg.Now)
	w.state = StateActive

	if applied > 0 {
		w.metrics.IncWALReplays(w.id.Topic, w.id.Partition, applied)
	}
	if ok {
		w.metrics.SetLastCommittedOffset(w.id.Topic, w.id.Partition, float64(last))
	}

	w.logger.Info("partition recovered",
		"last_committed_offset", last,
		"committed_files", len(paths),
		"replayed", applied,
	)
	return nil
}

// Write buffers records and makes as much progress as the commit policy
// allows. It returns zero when the partition is healthy, or how long the
// caller should wait before calling again after a failure. Write path
// failures never surface as errors; they put the writer into backoff.
//
// Records passed while the writer is backing off are buffered rather than
// ignored, and are written once the backoff has elapsed. Redelivered
// offsets are dropped, so a host may resend them either way.
func (w *Writer) Write(ctx context.Context, records []event.Record) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateRecovering || w.state == StateClosed {
		if len(records) > 0 {
			w.logger.Warn("dropping records for inactive partition",
				"state", w.state.String(),
				"count", len(records),
			)
		}
		return 0
	}

	if w.redeliver {
		if len(records) > 0 {
			w.logger.Debug("dropping records until the partition is redelivered", "count", len(records))
		}
	} else {
		w.accept(records)
	}

	if w.state == StateBackoff {
		if remaining := w.deadline.Sub(w.cfg.Now()); remaining > 0 {
			return remaining
		}
		w.state = StateActive
		w.logger.Info("retry backoff elapsed, resuming writes")
	}

	err := w.drain(ctx, w.cfg.MaxCommitsPerWrite)
	w.metrics.SetBufferedRecords(w.id.Topic, w.id.Partition, float64(w.buf.Len()))
	if err != nil {
		return w.backoff(err)
	}
	return 0
}

func (w *Writer) accept(records []event.Record) {
	if len(records) == 0 {
		return
	}

	sorted := slices.Clone(records)
	event.SortByOffset(sorted)
	accepted := w.buf.Add(sorted...)

	if dropped := len(records) - accepted; dropped > 0 {
		w.logger.Debug("dropped already accepted records",
			"dropped", dropped,
			"high_watermark", w.buf.HighWatermark(),
		)
	}
}

// drain replays a pending rename, then moves buffered records into the temp
// file, committing whenever the policy is satisfied. maxCommits of zero
// means no limit.
func (w *Writer) drain(ctx context.Context, maxCommits int) error {
	if w.pendingReplay {
		if err := w.replayPending(ctx); err != nil {
			return err
		}
	}

	commits := 0
	for {
		if w.policy.ShouldCommit(w.temp.stats()) {
			if maxCommits > 0 && commits >= maxCommits {
				return nil
			}
			if err := w.commit(ctx); err != nil {
				return err
			}
			commits++
			continue
		}

		record, ok := w.buf.Peek()
		if !ok {
			return nil
		}
		if err := w.writeRecord(ctx, record); err != nil {
			return err
		}
		w.buf.Pop()
	}
}

func (w *Writer) writeRecord(ctx context.Context, record event.Record) error {
	if w.writer == nil {
		rw, err := w.provider.NewRecordWriter(ctx, w.storage, w.layout.Temp(w.id))
		if err != nil {
			return &apperrors.WriteError{PartitionID: w.id, Offset: record.Offset, Err: err}
		}
		w.writer = rw
		w.logger.Debug("opened temp file", "path", w.layout.Temp(w.id))
	}

	if err := w.writer.Write(record); err != nil {
		return &apperrors.WriteError{PartitionID: w.id, Offset: record.Offset, Err: err}
	}
	w.temp.add(record, w.cfg.Now())
	return nil
}

// commit turns the live temp file into a committed file:
// close, log the rename, rename, truncate the log.
func (w *Writer) commit(ctx context.Context) error {
	start := w.cfg.Now()
	ctx, span := w.tracer.Start(ctx, "partition.Writer.commit", trace.WithAttributes(
		attribute.String("topic", w.id.Topic),
		attribute.Int("partition", int(w.id.Partition)),
		attribute.Int64("start_offset", w.temp.start),
		attribute.Int64("end_offset", w.temp.end),
	))
	defer span.End()

	if err := w.commitTemp(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit_failed")
		return err
	}

	w.metrics.ObserveCommitDuration(w.id.Topic, w.id.Partition, w.cfg.Now().Sub(start).Seconds())
	return nil
}

func (w *Writer) commitTemp(ctx context.Context) error {
	tempPath := w.layout.Temp(w.id)

	if err := w.writer.Close(); err != nil {
		return &apperrors.CloseError{Path: tempPath, Err: err}
	}

	committedPath, err := w.layout.Committed(w.id, w.temp.start, w.temp.end)
	if err != nil {
		return err
	}

	if err := w.wal.Append(ctx, tempPath, committedPath); err != nil {
		return err
	}

	if err := w.storage.Move(ctx, tempPath, committedPath); err != nil {
		w.pendingReplay = true
		return &apperrors.RenameError{Source: tempPath, Destination: committedPath, Err: err}
	}

	w.committed(ctx, committedPath)
	return nil
}

// replayPending completes a commit whose rename failed. The temp state is
// kept until the committed file exists. Replay skips an entry whose source
// is missing, so a temp file that vanished in the meantime leaves no
// committed file and the batch is discarded instead.
func (w *Writer) replayPending(ctx context.Context) error {
	applied, err := w.wal.Replay(ctx)
	if err != nil {
		return err
	}
	w.metrics.IncWALReplays(w.id.Topic, w.id.Partition, applied)

	tempPath := w.layout.Temp(w.id)
	committedPath, err := w.layout.Committed(w.id, w.temp.start, w.temp.end)
	if err != nil {
		return err
	}

	exists, err := w.storage.Exists(ctx, committedPath)
	if err != nil {
		return &apperrors.RenameError{Source: tempPath, Destination: committedPath, Err: err}
	}
	if !exists {
		w.discardLost(ctx, committedPath)
		return &apperrors.RenameError{Source: tempPath, Destination: committedPath, Err: apperrors.ErrTempFileLost}
	}

	w.committed(ctx, committedPath)
	return nil
}

// discardLost drops the uncommitted batch whose temp file is gone together
// with every buffered record. The writer then refuses records until the
// partition is redelivered from the offset after lastCommitted.
func (w *Writer) discardLost(ctx context.Context, committedPath string) {
	if err := w.wal.Truncate(ctx); err != nil {
		w.logger.Warn("failed to truncate wal", "error", err)
	}

	w.logger.Error("temp file lost before commit, partition needs redelivery",
		"path", committedPath,
		"start_offset", w.temp.start,
		"end_offset", w.temp.end,
		"buffered", w.buf.Len(),
		"last_committed_offset", w.lastCommitted,
	)

	w.writer = nil
	w.temp = tempFile{}
	w.pendingReplay = false
	w.buf = buffer.New(w.id, w.lastCommitted, w.cfg.Now)
	w.redeliver = true
	w.metrics.SetBufferedRecords(w.id.Topic, w.id.Partition, 0)
}

func (w *Writer) committed(ctx context.Context, committedPath string) {
	// The rename has taken effect; a log left behind only holds entries
	// whose destination exists, which replay skips.
	if err := w.wal.Truncate(ctx); err != nil {
		w.logger.Warn("failed to truncate wal", "error", err)
	}

	w.logger.Info("committed file",
		"path", committedPath,
		"start_offset", w.temp.start,
		"end_offset", w.temp.end,
		"records", w.temp.count,
	)

	w.lastCommitted = w.temp.end
	w.writer = nil
	w.temp = tempFile{}
	w.pendingReplay = false

	w.metrics.IncFilesCommitted(w.id.Topic, w.id.Partition, string(w.provider.Format()))
	w.metrics.SetLastCommittedOffset(w.id.Topic, w.id.Partition, float64(w.lastCommitted))
}

func (w *Writer) backoff(err error) time.Duration {
	kind := "other"
	if k, ok := apperrors.KindOf(err); ok {
		kind = string(k)
	}

	w.state = StateBackoff
	w.deadline = w.cfg.Now().Add(w.cfg.RetryBackoff)
	w.metrics.IncWriteFailures(w.id.Topic, w.id.Partition, kind)

	w.logger.Warn("write path failure, backing off",
		"kind", kind,
		"backoff", w.cfg.RetryBackoff,
		"buffered", w.buf.Len(),
		"error", err,
	)
	return w.cfg.RetryBackoff
}

// Flush writes every buffered record and commits the temp file, even if it
// is below the commit thresholds. It fails with errors.ErrBackoff while the
// writer is backing off.
func (w *Writer) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flush(ctx)
}

func (w *Writer) flush(ctx context.Context) error {
	switch w.state {
	case StateRecovering, StateClosed:
		return apperrors.ErrPartitionClosed
	case StateBackoff:
		if w.deadline.After(w.cfg.Now()) {
			return apperrors.ErrBackoff
		}
		w.state = StateActive
	}

	if err := w.drain(ctx, 0); err != nil {
		w.backoff(err)
		return err
	}
	if w.temp.count == 0 {
		return nil
	}
	if err := w.commit(ctx); err != nil {
		w.backoff(err)
		return err
	}
	return nil
}

// Close flushes the partition unless it is backing off, then releases the
// record writer and the write-ahead log. Uncommitted records are discarded;
// they are redelivered after the last committed offset. Close is idempotent.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == StateClosed {
		return nil
	}

	if w.state != StateRecovering {
		if err := w.flush(ctx); err != nil {
			w.logger.Warn("discarding uncommitted records on close",
				"buffered", w.buf.Len(),
				"in_temp_file", w.temp.count,
				"error", err,
			)
		}
	}

	var errs []error
	if w.writer != nil {
		if err := w.writer.Close(); err != nil {
			errs = append(errs, &apperrors.CloseError{Path: w.layout.Temp(w.id), Err: err})
		}
		w.writer = nil
	}
	if err := w.wal.Close(); err != nil {
		errs = append(errs, err)
	}

	w.buf.Reset()
	w.temp = tempFile{}
	w.pendingReplay = false
	w.state = StateClosed
	w.metrics.SetBufferedRecords(w.id.Topic, w.id.Partition, 0)

	w.logger.Info("partition writer closed", "last_committed_offset", w.lastCommitted)
	return errors.Join(errs...)
}

// ID returns the partition this writer owns.
func (w *Writer) ID() event.PartitionID {
	return w.id
}

// State returns the current state.
func (w *Writer) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// BackoffRemaining returns how long writes stay suppressed, or zero.
func (w *Writer) BackoffRemaining() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateBackoff {
		return 0
	}
	return max(w.deadline.Sub(w.cfg.Now()), 0)
}

// LastCommittedOffset returns the end offset of the newest committed file.
// ok is false when nothing has been committed for the partition.
func (w *Writer) LastCommittedOffset() (offset int64, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCommitted, w.lastCommitted >= 0
}

// NeedsRedelivery reports whether records accepted by the writer were lost
// before being committed. Such a writer drops every later record; the host
// must revoke the partition and redeliver it from the offset after
// LastCommittedOffset.
func (w *Writer) NeedsRedelivery() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.redeliver
}

// TempPath returns the path of the partition's temp file.
func (w *Writer) TempPath() string {
	return w.layout.Temp(w.id)
}

// RecordWriter returns the record writer of the live temp file, or nil.
func (w *Writer) RecordWriter() recordwriter.RecordWriter {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.writer
}

// WAL returns the partition's write-ahead log.
func (w *Writer) WAL() *wal.WAL {
	return w.wal
}

// Buffered returns the number of records waiting to be written to the temp file.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Len()
}
