package partition

import (
	"time"

	"github.com/jittakal/kafeventsink/pkg/event"
)

// Policy decides when the live temp file is committed. Any satisfied
// condition triggers a commit; a zero threshold disables that condition.
type Policy struct {
	maxRecords   int
	maxSizeBytes int64
	maxDuration  time.Duration
	now          func() time.Time
}

// NewPolicy creates a commit policy from the writer configuration.
func NewPolicy(cfg Config) *Policy {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Policy{
		maxRecords:   cfg.FlushSize,
		maxSizeBytes: cfg.MaxFileSizeBytes,
		maxDuration:  cfg.RotateInterval,
		now:          now,
	}
}

// ShouldCommit returns true if any commit condition is met for a temp file
// with the given stats. An empty file is never committed.
func (p *Policy) ShouldCommit(stats event.FileStats) bool {
	if stats.RecordCount == 0 {
		return false
	}

	// Count-based commit
	if p.maxRecords > 0 && stats.RecordCount >= p.maxRecords {
		return true
	}

	// Size-based commit
	if p.maxSizeBytes > 0 && stats.SizeBytes >= p.maxSizeBytes {
		return true
	}

	// Time-based commit
	if p.maxDuration > 0 && !stats.FirstWriteTime.IsZero() {
		if p.now().Sub(stats.FirstWriteTime) >= p.maxDuration {
			return true
		}
	}

	return false
}
