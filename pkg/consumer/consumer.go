// Package consumer defines interfaces for the upstream Kafka consumer that
// feeds the sink.
package consumer

import (
	"context"
)

// Consumer drives a sink from subscribed Kafka topics.
type Consumer interface {
	// Run joins the consumer group and consumes until ctx is cancelled or
	// Close is called.
	Run(ctx context.Context) error

	// Close leaves the group and releases resources.
	Close() error
}
