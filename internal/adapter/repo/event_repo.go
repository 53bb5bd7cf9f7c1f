package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"kbengine/internal/db"
	"kbengine/internal/domain"
)

// EventRepositoryPG implements domain.EventRepository over the outbox table.
type EventRepositoryPG struct {
	db   db.DBTX
	inTx bool
}

const eventColumns = `id, correlation_id, aggregate_id, event_type, payload, status, created_at, processed_at, error_message`

// Stage appends a PENDING event on the caller's open transaction. Staging
// outside a transaction is rejected: the outbox pattern requires the event
// row to share the business mutation's commit or rollback.
func (r *EventRepositoryPG) Stage(ctx context.Context, event *domain.DomainEvent) error {
	if !r.inTx {
		return domain.ErrNoTransaction
	}
	query := `
INSERT INTO domain_events (id, correlation_id, aggregate_id, event_type, payload, status)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at;
`
	if err := r.db.QueryRow(ctx, query,
		event.ID,
		event.CorrelationID,
		event.AggregateID,
		event.EventType,
		event.Payload,
		domain.EventStatusPending,
	).Scan(&event.CreatedAt); err != nil {
		return fmt.Errorf("stage event %s: %w", event.EventType, err)
	}
	event.Status = domain.EventStatusPending
	return nil
}

// ClaimPending locks up to limit PENDING events in creation order. SKIP
// LOCKED lets concurrent relay instances divide the backlog without
// double-publishing.
func (r *EventRepositoryPG) ClaimPending(ctx context.Context, limit int) ([]domain.DomainEvent, error) {
	query := `
SELECT ` + eventColumns + `
FROM domain_events
WHERE status = 'PENDING'
ORDER BY created_at, id
FOR UPDATE SKIP LOCKED
LIMIT $1;
`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending events: %w", err)
	}
	defer rows.Close()

	var events []domain.DomainEvent
	for rows.Next() {
		var e domain.DomainEvent
		if err := rows.Scan(
			&e.ID,
			&e.CorrelationID,
			&e.AggregateID,
			&e.EventType,
			&e.Payload,
			&e.Status,
			&e.CreatedAt,
			&e.ProcessedAt,
			&e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *EventRepositoryPG) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	query := `
UPDATE domain_events
SET status = 'PROCESSED', processed_at = now(), error_message = ''
WHERE id = $1;
`
	tag, err := r.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *EventRepositoryPG) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
UPDATE domain_events
SET status = 'FAILED', processed_at = now(), error_message = $2
WHERE id = $1;
`
	tag, err := r.db.Exec(ctx, query, id, errMsg)
	if err != nil {
		return fmt.Errorf("mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RecordPublishError keeps the event PENDING so the next cycle retries it.
func (r *EventRepositoryPG) RecordPublishError(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
UPDATE domain_events
SET error_message = $2
WHERE id = $1 AND status = 'PENDING';
`
	if _, err := r.db.Exec(ctx, query, id, errMsg); err != nil {
		return fmt.Errorf("record publish error: %w", err)
	}
	return nil
}

func (r *EventRepositoryPG) ListByAggregate(ctx context.Context, aggregateID uuid.UUID) ([]domain.DomainEvent, error) {
	query := `
SELECT ` + eventColumns + `
FROM domain_events
WHERE aggregate_id = $1
ORDER BY created_at, id;
`
	rows, err := r.db.Query(ctx, query, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("list events by aggregate: %w", err)
	}
	defer rows.Close()

	var events []domain.DomainEvent
	for rows.Next() {
		var e domain.DomainEvent
		if err := rows.Scan(
			&e.ID,
			&e.CorrelationID,
			&e.AggregateID,
			&e.EventType,
			&e.Payload,
			&e.Status,
			&e.CreatedAt,
			&e.ProcessedAt,
			&e.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
