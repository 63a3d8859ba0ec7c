// Package naming defines the on-storage layout of a partition directory and
// classifies the files found in it.
//
// Every partition lives under <base>/<topic>/<partition>/ and holds at most
// one temp file, one write-ahead log, and any number of committed files named
// <start>-<end> after the inclusive offset range they contain. The layout is
// the only persistent state used to recover, so these names are a stable
// contract.
package naming

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	apperrors "github.com/jittakal/kafeventsink/internal/errors"
	"github.com/jittakal/kafeventsink/pkg/event"
)

const (
	// TempFileName is the fixed name of a partition's in-progress file.
	TempFileName = "_temp"

	// LogFileName is the fixed name of a partition's write-ahead log.
	LogFileName = "_log"

	rangeSeparator = "-"
)

// Kind classifies a file found in a partition directory.
type Kind int

const (
	KindOther Kind = iota
	KindTemp
	KindCommitted
)

func (k Kind) String() string {
	switch k {
	case KindTemp:
		return "temp"
	case KindCommitted:
		return "committed"
	default:
		return "other"
	}
}

// Classification is the result of Classify. Start and End are set only for
// committed files.
type Classification struct {
	Kind  Kind
	Start int64
	End   int64
}

// DirectoryPath returns <base>/<topic>/<partition>.
func DirectoryPath(base, topic string, partition int32) string {
	return path.Join(base, topic, strconv.FormatInt(int64(partition), 10))
}

// TempPath returns the temp file path of a partition.
func TempPath(base, topic string, partition int32) string {
	return path.Join(DirectoryPath(base, topic, partition), TempFileName)
}

// LogPath returns the write-ahead log path of a partition.
func LogPath(base, topic string, partition int32) string {
	return path.Join(DirectoryPath(base, topic, partition), LogFileName)
}

// CommittedPath returns the committed file path for the inclusive offset range [start, end].
func CommittedPath(base, topic string, partition int32, start, end int64) (string, error) {
	if start < 0 || end < 0 || start > end {
		return "", fmt.Errorf("%w: [%d, %d]", apperrors.ErrInvalidOffsetRange, start, end)
	}
	name := strconv.FormatInt(start, 10) + rangeSeparator + strconv.FormatInt(end, 10)
	return path.Join(DirectoryPath(base, topic, partition), name), nil
}

// Classify inspects the final element of p.
func Classify(p string) Classification {
	name := path.Base(p)
	if name == TempFileName {
		return Classification{Kind: KindTemp}
	}

	startStr, endStr, ok := strings.Cut(name, rangeSeparator)
	if !ok || !isDecimal(startStr) || !isDecimal(endStr) {
		return Classification{Kind: KindOther}
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return Classification{Kind: KindOther}
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || start > end {
		return Classification{Kind: KindOther}
	}

	return Classification{Kind: KindCommitted, Start: start, End: end}
}

// IsCommitted reports whether p names a committed file.
func IsCommitted(p string) bool {
	return Classify(p).Kind == KindCommitted
}

// MaxCommittedOffset returns the largest end offset among the committed files
// in paths. ok is false when none of them is a committed file.
func MaxCommittedOffset(paths []string) (offset int64, ok bool) {
	offset = -1
	for _, p := range paths {
		c := Classify(p)
		if c.Kind != KindCommitted {
			continue
		}
		if c.End > offset {
			offset = c.End
		}
		ok = true
	}
	return offset, ok
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, ch := range s {
		if ch < '0' || ch > '9' {
			return false
		}
	}
	return true
}

// Layout binds the naming functions to a base directory.
type Layout struct {
	Base string
}

// Dir returns the directory of a partition.
func (l Layout) Dir(pid event.PartitionID) string {
	return DirectoryPath(l.Base, pid.Topic, pid.Partition)
}

// Temp returns the temp file path of a partition.
func (l Layout) Temp(pid event.PartitionID) string {
	return TempPath(l.Base, pid.Topic, pid.Partition)
}

// Log returns the write-ahead log path of a partition.
func (l Layout) Log(pid event.PartitionID) string {
	return LogPath(l.Base, pid.Topic, pid.Partition)
}

// Committed returns the committed file path for [start, end] of a partition.
func (l Layout) Committed(pid event.PartitionID, start, end int64) (string, error) {
	return CommittedPath(l.Base, pid.Topic, pid.Partition, start, end)
}
