// Package errors defines application-specific error types and sentinel errors.
package errors

import (
	"errors"
	"fmt"

	"github.com/jittakal/kafeventsink/pkg/event"
)

// Sentinel errors for common conditions.
var (
	ErrConsumerClosed       = errors.New("consumer is closed")
	ErrPartitionClosed      = errors.New("partition writer is closed")
	ErrPartitionNotAssigned = errors.New("partition is not assigned")
	ErrWriterClosed         = errors.New("record writer is closed")
	ErrWALClosed            = errors.New("write-ahead log is closed")
	ErrCorruptLog           = errors.New("write-ahead log is corrupt")
	ErrInvalidOffsetRange   = errors.New("invalid offset range")
	ErrConnectionLost       = errors.New("connection lost")
	ErrBackoff              = errors.New("partition is backing off")
	ErrTempFileLost         = errors.New("temp file lost before commit")
	ErrRedeliveryRequired   = errors.New("partition requires redelivery from its last committed offset")
)

// FailureKind classifies a failure on the partition write path.
type FailureKind string

const (
	KindAppend FailureKind = "append"
	KindWrite  FailureKind = "write"
	KindClose  FailureKind = "close"
	KindRename FailureKind = "rename"
)

// Failure is a write path failure that puts a partition into backoff.
type Failure interface {
	error
	Kind() FailureKind
}

// AppendError reports a failed write-ahead log append.
type AppendError struct {
	Path string
	Err  error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("wal append failed: path=%s: %v", e.Path, e.Err)
}

func (e *AppendError) Unwrap() error     { return e.Err }
func (e *AppendError) Kind() FailureKind { return KindAppend }

// WriteError reports a record that could not be written to the temp file.
type WriteError struct {
	PartitionID event.PartitionID
	Offset      int64
	Err         error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("record write failed: partition=%s offset=%d: %v",
		e.PartitionID, e.Offset, e.Err)
}

func (e *WriteError) Unwrap() error     { return e.Err }
func (e *WriteError) Kind() FailureKind { return KindWrite }

// CloseError reports a temp file that could not be finalized.
type CloseError struct {
	Path string
	Err  error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("record writer close failed: path=%s: %v", e.Path, e.Err)
}

func (e *CloseError) Unwrap() error     { return e.Err }
func (e *CloseError) Kind() FailureKind { return KindClose }

// RenameError reports a failed temp to committed rename.
type RenameError struct {
	Source      string
	Destination string
	Err         error
}

func (e *RenameError) Error() string {
	return fmt.Sprintf("rename failed: src=%s dst=%s: %v", e.Source, e.Destination, e.Err)
}

func (e *RenameError) Unwrap() error     { return e.Err }
func (e *RenameError) Kind() FailureKind { return KindRename }

// KindOf returns the failure kind of err, if any.
func KindOf(err error) (FailureKind, bool) {
	var f Failure
	if errors.As(err, &f) {
		return f.Kind(), true
	}
	return "", false
}

// RecoveryError reports a partition that could not be recovered.
// The partition is not usable until it is assigned again.
type RecoveryError struct {
	PartitionID event.PartitionID
	Stage       string
	Err         error
}

func (e *RecoveryError) Error() string {
	return fmt.Sprintf("recovery failed: partition=%s stage=%s: %v",
		e.PartitionID, e.Stage, e.Err)
}

func (e *RecoveryError) Unwrap() error {
	return e.Err
}

// StorageError represents a storage operation failure.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: operation=%s path=%s: %v",
		e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsRetryable determines if a StorageError is retryable based on the operation type.
func (e *StorageError) IsRetryable() bool {
	switch e.Operation {
	case "create", "append", "write", "upload", "move", "delete":
		return true
	}
	return false
}

// Retryable defines an interface for errors that can indicate if they are retryable.
type Retryable interface {
	error
	IsRetryable() bool
}

// IsRetryable checks if an error is retryable.
// Write path failures are always retried after backoff; recovery failures never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var recoveryErr *RecoveryError
	if errors.As(err, &recoveryErr) {
		return false
	}

	if _, ok := KindOf(err); ok {
		return true
	}

	var retryable Retryable
	if errors.As(err, &retryable) {
		return retryable.IsRetryable()
	}

	return errors.Is(err, ErrConnectionLost)
}
