// Package bus carries commands and results between the hub and the task
// orchestration process. Delivery is at-least-once; consumers must tolerate
// duplicates.
package bus

import (
	"context"
	"errors"
	"strings"
)

// ErrClosed is returned by operations on a closed bus
var ErrClosed = errors.New("bus closed")

// Handler receives one message published on a subscribed channel
type Handler func(channel string, payload []byte)

// Bus is a channel-addressed publish/subscribe transport
type Bus interface {
	// Publish sends payload to every subscriber of channel
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe delivers messages on the given channels to handler until
	// ctx is cancelled or the bus is closed. It returns once the
	// subscription is in place.
	Subscribe(ctx context.Context, channels []string, handler Handler) error

	// Close releases the bus and stops every subscription
	Close() error
}

// Wildcard marks a channel pattern as a prefix match, as in
// "docker:task:result:*"
const Wildcard = "*"

// Matches reports whether channel is selected by pattern
func Matches(pattern, channel string) bool {
	if prefix, ok := strings.CutSuffix(pattern, Wildcard); ok {
		return strings.HasPrefix(channel, prefix)
	}
	return pattern == channel
}

func matchesAny(patterns []string, channel string) bool {
	for _, pattern := range patterns {
		if Matches(pattern, channel) {
			return true
		}
	}
	return false
}
