// Package wal implements the per-partition write-ahead log of pending
// temp to committed renames.
//
// An entry is appended and made durable before the rename it describes is
// attempted. Replaying the log redoes any rename that did not complete, and
// replay is idempotent: an entry whose destination already exists is skipped
// and a missing source is tolerated. After a successful replay or commit the
// log is truncated.
package wal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"iter"
	"log/slog"
	"sync"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/storage"
)

// maxEntrySize bounds a single frame so a corrupt length cannot trigger a huge allocation.
const maxEntrySize = 1 << 20

// Entry records the intent to rename Source to Destination.
type Entry struct {
	Source      string
	Destination string
}

// WAL is the write-ahead log of one partition.
type WAL struct {
	storage storage.Storage
	path    string
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// New creates a WAL stored at path. Nothing is read or written until the
// first call.
func New(store storage.Storage, path string, logger *slog.Logger) *WAL {
	return &WAL{
		storage: store,
		path:    path,
		logger:  logger.With("wal", path),
	}
}

// Path returns the storage path of the log.
func (w *WAL) Path() string {
	return w.path
}

func (w *WAL) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Append durably appends one entry. Failures are reported as *errors.AppendError.
func (w *WAL) Append(ctx context.Context, src, dst string) error {
	if w.isClosed() {
		return apperrors.ErrWALClosed
	}

	if err := w.storage.Append(ctx, w.path, encodeFrame(Entry{Source: src, Destination: dst})); err != nil {
		return &apperrors.AppendError{Path: w.path, Err: err}
	}

	w.logger.Debug("appended wal entry", "src", src, "dst", dst)
	return nil
}

// Entries returns the entries in append order. Each iteration re-reads the
// log from the start. A torn frame at the end of the log, left by a crash
// during Append, ends the sequence; corruption anywhere else is yielded as
// an error wrapping errors.ErrCorruptLog.
func (w *WAL) Entries(ctx context.Context) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		if w.isClosed() {
			yield(Entry{}, apperrors.ErrWALClosed)
			return
		}

		r, err := w.storage.Open(ctx, w.path)
		if errors.Is(err, storage.ErrNotFound) {
			return
		}
		if err != nil {
			yield(Entry{}, fmt.Errorf("failed to open wal: %w", err))
			return
		}
		defer r.Close()

		br := bufio.NewReader(r)
		for index := 0; ; index++ {
			entry, err := readFrame(br)
			if err == io.EOF {
				return
			}
			if errors.Is(err, errTornFrame) {
				w.logger.Warn("ignoring torn wal tail", "entry_index", index, "error", err)
				return
			}
			if err != nil {
				yield(Entry{}, fmt.Errorf("wal entry %d: %w", index, err))
				return
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// ReadAll collects every entry of the log.
func (w *WAL) ReadAll(ctx context.Context) ([]Entry, error) {
	var entries []Entry
	for entry, err := range w.Entries(ctx) {
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Replay redoes every logged rename that has not taken effect and returns
// the number of renames applied. Replaying a log twice has the same effect
// as replaying it once.
func (w *WAL) Replay(ctx context.Context) (int, error) {
	applied := 0
	for entry, err := range w.Entries(ctx) {
		if err != nil {
			return applied, err
		}

		exists, err := w.storage.Exists(ctx, entry.Destination)
		if err != nil {
			return applied, fmt.Errorf("failed to check wal destination: %w", err)
		}
		if exists {
			continue
		}

		if err := w.storage.Move(ctx, entry.Source, entry.Destination); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				w.logger.Warn("wal source missing, skipping entry",
					"src", entry.Source,
					"dst", entry.Destination,
				)
				continue
			}
			return applied, &apperrors.RenameError{Source: entry.Source, Destination: entry.Destination, Err: err}
		}

		w.logger.Info("replayed wal entry", "src", entry.Source, "dst", entry.Destination)
		applied++
	}
	return applied, nil
}

// Truncate removes every entry from the log.
func (w *WAL) Truncate(ctx context.Context) error {
	if w.isClosed() {
		return apperrors.ErrWALClosed
	}
	if err := w.storage.Delete(ctx, w.path); err != nil {
		return fmt.Errorf("failed to truncate wal: %w", err)
	}
	return nil
}

// Close releases the log. Later calls fail with errors.ErrWALClosed.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

var errTornFrame = errors.New("torn wal frame")

// encodeFrame encodes an entry as
// length (4 bytes) | payload | checksum (4 bytes)
// where payload is uvarint(len(src)) src uvarint(len(dst)) dst.
func encodeFrame(e Entry) []byte {
	payload := make([]byte, 0, 2*binary.MaxVarintLen64+len(e.Source)+len(e.Destination))
	payload = binary.AppendUvarint(payload, uint64(len(e.Source)))
	payload = append(payload, e.Source...)
	payload = binary.AppendUvarint(payload, uint64(len(e.Destination)))
	payload = append(payload, e.Destination...)

	frame := make([]byte, 0, 8+len(payload))
	frame = binary.LittleEndian.AppendUint32(frame, uint32(len(payload)))
	frame = append(frame, payload...)
	frame = binary.LittleEndian.AppendUint32(frame, crc32.ChecksumIEEE(payload))
	return frame
}

func readFrame(r *bufio.Reader) (Entry, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("%w: short length: %v", errTornFrame, err)
	}

	length := binary.LittleEndian.Uint32(header[:])
	if length > maxEntrySize {
		return Entry{}, fmt.Errorf("%w: entry length %d exceeds limit", apperrors.ErrCorruptLog, length)
	}

	body := make([]byte, length+4)
	if _, err := io.ReadFull(r, body); err != nil {
		return Entry{}, fmt.Errorf("%w: short body: %v", errTornFrame, err)
	}

	payload, checksum := body[:length], binary.LittleEndian.Uint32(body[length:])
	if crc32.ChecksumIEEE(payload) != checksum {
		if _, err := r.Peek(1); err == io.EOF {
			return Entry{}, fmt.Errorf("%w: checksum mismatch in last frame", errTornFrame)
		}
		return Entry{}, fmt.Errorf("%w: checksum mismatch", apperrors.ErrCorruptLog)
	}

	return decodePayload(payload)
}

func decodePayload(payload []byte) (Entry, error) {
	src, rest, err := readString(payload)
	if err != nil {
		return Entry{}, err
	}
	dst, rest, err := readString(rest)
	if err != nil {
		return Entry{}, err
	}
	if len(rest) != 0 {
		return Entry{}, fmt.Errorf("%w: %d trailing bytes", apperrors.ErrCorruptLog, len(rest))
	}
	return Entry{Source: src, Destination: dst}, nil
}

func readString(b []byte) (string, []byte, error) {
	n, size := binary.Uvarint(b)
	if size <= 0 || n > uint64(len(b)-size) {
		return "", nil, fmt.Errorf("%w: bad string length", apperrors.ErrCorruptLog)
	}
	end := size + int(n)
	return string(b[size:end]), b[end:], nil
}
