// Package relay moves PENDING outbox events onto the bus. Multiple relay
// instances may run concurrently; row locks on the claim query keep them from
// double-publishing.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"kbengine/internal/bus"
	"kbengine/internal/domain"
)

// Relay is the timer-driven outbox polling loop.
type Relay struct {
	store     domain.Store
	publisher bus.Publisher
	routes    map[domain.EventType]string
	interval  time.Duration
	batchSize int
	logger    zerolog.Logger
}

// Options configures a Relay.
type Options struct {
	Routes    map[domain.EventType]string
	Interval  time.Duration
	BatchSize int
}

// New creates a relay over the given store and publisher.
func New(store domain.Store, publisher bus.Publisher, logger zerolog.Logger, opts Options) *Relay {
	if opts.Routes == nil {
		opts.Routes = DefaultRoutes()
	}
	if opts.Interval <= 0 {
		opts.Interval = 500 * time.Millisecond
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		routes:    opts.Routes,
		interval:  opts.Interval,
		batchSize: opts.BatchSize,
		logger:    logger,
	}
}

// Run polls until the context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info().
		Dur("interval", r.interval).
		Int("batch_size", r.batchSize).
		Msg("relay: started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		n, err := r.Cycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Msg("relay: cycle failed")
			continue
		}
		if n > 0 {
			r.logger.Debug().Int("relayed", n).Msg("relay: cycle complete")
		}
	}
}

// Cycle claims one batch of PENDING events, publishes each to its routed
// channel, and commits all status changes in a single transaction. A publish
// failure leaves the event PENDING for the next cycle; at-least-once delivery
// follows from a crash between publish and commit.
func (r *Relay) Cycle(ctx context.Context) (int, error) {
	relayed := 0
	err := r.store.WithinTx(ctx, func(tx domain.Store) error {
		events, err := tx.Events().ClaimPending(ctx, r.batchSize)
		if err != nil {
			return fmt.Errorf("claim pending: %w", err)
		}
		for i := range events {
			ev := &events[i]
			channel, ok := r.routes[ev.EventType]
			if !ok {
				msg := fmt.Sprintf("%v: %s", domain.ErrUnroutedEvent, ev.EventType)
				r.logger.Error().
					Str("event_id", ev.ID.String()).
					Str("event_type", string(ev.EventType)).
					Msg("relay: unrouted event type")
				if err := tx.Events().MarkFailed(ctx, ev.ID, msg); err != nil {
					return err
				}
				continue
			}
			if err := r.publisher.Publish(ctx, channel, ev.Envelope()); err != nil {
				r.logger.Warn().Err(err).
					Str("event_id", ev.ID.String()).
					Str("channel", channel).
					Msg("relay: publish failed, will retry")
				if err := tx.Events().RecordPublishError(ctx, ev.ID, err.Error()); err != nil {
					return err
				}
				continue
			}
			if err := tx.Events().MarkProcessed(ctx, ev.ID); err != nil {
				return err
			}
			relayed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return relayed, nil
}
