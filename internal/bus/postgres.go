package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"kbengine/internal/domain"
)

// PgBus is a durable channel bus on Postgres. Messages are rows in
// bus_messages; LISTEN/NOTIFY wakes consumers early but polling remains the
// correctness fallback, so a message published while no consumer listens is
// still delivered.
type PgBus struct {
	pool         *pgxpool.Pool
	logger       zerolog.Logger
	pollInterval time.Duration
	maxAttempts  int
	batchSize    int
}

// PgBusOptions tunes consumption behavior.
type PgBusOptions struct {
	PollInterval time.Duration
	MaxAttempts  int
	BatchSize    int
}

// NewPgBus creates a Postgres-backed bus.
func NewPgBus(pool *pgxpool.Pool, logger zerolog.Logger, opts PgBusOptions) *PgBus {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &PgBus{
		pool:         pool,
		logger:       logger,
		pollInterval: opts.PollInterval,
		maxAttempts:  opts.MaxAttempts,
		batchSize:    opts.BatchSize,
	}
}

// Publish appends the envelope to the channel queue and notifies listeners.
// The notify is best-effort; the poll loop picks the row up regardless.
func (b *PgBus) Publish(ctx context.Context, channel string, msg domain.EventMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal bus message: %w", err)
	}
	if _, err := b.pool.Exec(ctx,
		`INSERT INTO bus_messages (channel, payload) VALUES ($1, $2)`,
		channel, payload,
	); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	if _, err := b.pool.Exec(ctx, `SELECT pg_notify($1, '')`, channel); err != nil {
		b.logger.Warn().Err(err).Str("channel", channel).Msg("bus: notify failed, relying on poll")
	}
	return nil
}

// Consume delivers the channel's messages to h until ctx is cancelled.
func (b *PgBus) Consume(ctx context.Context, channel string, h HandlerFunc) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := b.drain(ctx, channel, h)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.Error().Err(err).Str("channel", channel).Msg("bus: drain failed")
		}
		if n > 0 {
			continue
		}
		b.wait(ctx, channel)
	}
}

// drain claims one batch, releases the claim transaction, then handles each
// message outside any transaction scope.
func (b *PgBus) drain(ctx context.Context, channel string, h HandlerFunc) (int, error) {
	type claimed struct {
		id       int64
		attempts int
		payload  []byte
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin claim: %w", err)
	}
	rows, err := tx.Query(ctx, `
WITH next_messages AS (
    SELECT id
    FROM bus_messages
    WHERE channel = $1 AND claimed_at IS NULL
    ORDER BY id
    FOR UPDATE SKIP LOCKED
    LIMIT $2
)
UPDATE bus_messages
SET claimed_at = now(), attempts = attempts + 1
WHERE id IN (SELECT id FROM next_messages)
RETURNING id, attempts, payload;
`, channel, b.batchSize)
	if err != nil {
		_ = tx.Rollback(ctx)
		return 0, fmt.Errorf("claim messages: %w", err)
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.id, &c.attempts, &c.payload); err != nil {
			rows.Close()
			_ = tx.Rollback(ctx)
			return 0, fmt.Errorf("scan claimed message: %w", err)
		}
		batch = append(batch, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		_ = tx.Rollback(ctx)
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit claim: %w", err)
	}

	for _, c := range batch {
		var msg domain.EventMessage
		if err := json.Unmarshal(c.payload, &msg); err != nil {
			b.logger.Error().Err(err).Int64("message_id", c.id).Str("channel", channel).
				Msg("bus: dropping undecodable message")
			b.delete(ctx, c.id)
			continue
		}
		if err := h(ctx, msg); err != nil {
			if c.attempts >= b.maxAttempts {
				b.logger.Error().Err(err).
					Int64("message_id", c.id).
					Str("channel", channel).
					Str("event_type", string(msg.EventType)).
					Msg("bus: attempts exhausted, dropping message")
				b.delete(ctx, c.id)
				continue
			}
			b.logger.Warn().Err(err).
				Int64("message_id", c.id).
				Str("channel", channel).
				Int("attempt", c.attempts).
				Msg("bus: handler failed, requeueing")
			b.release(ctx, c.id)
			continue
		}
		b.delete(ctx, c.id)
	}
	return len(batch), nil
}

func (b *PgBus) delete(ctx context.Context, id int64) {
	if _, err := b.pool.Exec(ctx, `DELETE FROM bus_messages WHERE id = $1`, id); err != nil {
		b.logger.Error().Err(err).Int64("message_id", id).Msg("bus: ack delete failed")
	}
}

func (b *PgBus) release(ctx context.Context, id int64) {
	if _, err := b.pool.Exec(ctx, `UPDATE bus_messages SET claimed_at = NULL WHERE id = $1`, id); err != nil {
		b.logger.Error().Err(err).Int64("message_id", id).Msg("bus: claim release failed")
	}
}

// wait blocks until a NOTIFY arrives on the channel or the poll interval
// elapses, whichever is first.
func (b *PgBus) wait(ctx context.Context, channel string) {
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		b.sleep(ctx)
		return
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf(`LISTEN %q`, channel)); err != nil {
		b.sleep(ctx)
		return
	}

	waitCtx, cancel := context.WithTimeout(ctx, b.pollInterval)
	defer cancel()
	if _, err := conn.Conn().WaitForNotification(waitCtx); err != nil &&
		!errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		b.logger.Debug().Err(err).Str("channel", channel).Msg("bus: notification wait ended")
	}
	// UNLISTEN before the conn goes back to the pool.
	unlistenCtx, cancelUnlisten := context.WithTimeout(context.Background(), time.Second)
	defer cancelUnlisten()
	_, _ = conn.Exec(unlistenCtx, fmt.Sprintf(`UNLISTEN %q`, channel))
}

func (b *PgBus) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(b.pollInterval):
	}
}

// ReleaseStaleClaims requeues messages whose consumer died mid-handling.
// Run periodically by the worker janitor.
func (b *PgBus) ReleaseStaleClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	tag, err := b.pool.Exec(ctx,
		`UPDATE bus_messages SET claimed_at = NULL WHERE claimed_at < $1`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
