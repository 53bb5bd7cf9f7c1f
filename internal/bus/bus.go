// Package bus provides the pub/sub channels connecting the event relay to
// the pipeline workers. Delivery is at-least-once; consumers are expected to
// be idempotent.
package bus

import (
	"context"

	"kbengine/internal/domain"
)

// HandlerFunc processes one delivered message. A non-nil error requeues the
// message until the attempt budget is exhausted.
type HandlerFunc func(ctx context.Context, msg domain.EventMessage) error

// Publisher publishes event envelopes to a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, msg domain.EventMessage) error
}

// Consumer delivers a channel's messages to a handler until the context is
// cancelled.
type Consumer interface {
	Consume(ctx context.Context, channel string, h HandlerFunc) error
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, channel string, msg domain.EventMessage) error

func (f PublisherFunc) Publish(ctx context.Context, channel string, msg domain.EventMessage) error {
	return f(ctx, channel, msg)
}
