package relay_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kbengine/internal/bus"
	"kbengine/internal/domain"
	"kbengine/internal/relay"
	"kbengine/internal/testutil"
)

func stageEvents(t *testing.T, store *testutil.MemStore, events ...*domain.DomainEvent) {
	t.Helper()
	err := store.WithinTx(context.Background(), func(tx domain.Store) error {
		for _, ev := range events {
			if err := tx.Events().Stage(context.Background(), ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("stage events: %v", err)
	}
}

func registeredEvent(t *testing.T, aggregateID uuid.UUID) *domain.DomainEvent {
	t.Helper()
	ev, err := domain.NewEvent(uuid.New(), aggregateID, domain.EventDocumentRegistered, domain.DocumentRegisteredPayload{DocumentID: aggregateID})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func TestCyclePublishesInCreationOrder(t *testing.T) {
	store := testutil.NewMemStore()
	mb := bus.NewMemoryBus()
	r := relay.New(store, mb, zerolog.Nop(), relay.Options{})

	aggregate := uuid.New()
	first := registeredEvent(t, aggregate)
	second := registeredEvent(t, aggregate)
	third := registeredEvent(t, aggregate)
	stageEvents(t, store, first, second, third)

	n, err := r.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 3 {
		t.Fatalf("relayed = %d, want 3", n)
	}

	msgs := mb.Messages(relay.ChannelDocumentRegistered)
	if len(msgs) != 3 {
		t.Fatalf("published = %d, want 3", len(msgs))
	}
	want := []uuid.UUID{first.ID, second.ID, third.ID}
	for i, msg := range msgs {
		if msg.EventID != want[i] {
			t.Fatalf("message %d = %s, want %s", i, msg.EventID, want[i])
		}
	}

	for _, ev := range store.EventsForAggregate(aggregate) {
		if ev.Status != domain.EventStatusProcessed {
			t.Fatalf("event %s status = %s, want PROCESSED", ev.ID, ev.Status)
		}
		if ev.ProcessedAt == nil {
			t.Fatalf("event %s has no processed_at", ev.ID)
		}
	}
}

func TestCycleMarksUnroutedEventFailed(t *testing.T) {
	store := testutil.NewMemStore()
	mb := bus.NewMemoryBus()
	r := relay.New(store, mb, zerolog.Nop(), relay.Options{})

	aggregate := uuid.New()
	ev, err := domain.NewEvent(uuid.New(), aggregate, domain.EventType("SomethingUnknown"), map[string]string{})
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	stageEvents(t, store, ev)

	if _, err := r.Cycle(context.Background()); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	events := store.EventsForAggregate(aggregate)
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Status != domain.EventStatusFailed {
		t.Fatalf("status = %s, want FAILED", events[0].Status)
	}
	if events[0].ErrorMessage == "" {
		t.Fatalf("expected descriptive error message")
	}
}

func TestCyclePublishFailureLeavesEventPending(t *testing.T) {
	store := testutil.NewMemStore()
	broken := bus.PublisherFunc(func(ctx context.Context, channel string, msg domain.EventMessage) error {
		return errors.New("broker unreachable")
	})
	r := relay.New(store, broken, zerolog.Nop(), relay.Options{})

	aggregate := uuid.New()
	stageEvents(t, store, registeredEvent(t, aggregate))

	n, err := r.Cycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if n != 0 {
		t.Fatalf("relayed = %d, want 0", n)
	}
	events := store.EventsForAggregate(aggregate)
	if events[0].Status != domain.EventStatusPending {
		t.Fatalf("status = %s, want PENDING for retry", events[0].Status)
	}
	if events[0].ErrorMessage == "" {
		t.Fatalf("expected publish error recorded")
	}

	// The next cycle with a working publisher delivers it.
	mb := bus.NewMemoryBus()
	r2 := relay.New(store, mb, zerolog.Nop(), relay.Options{})
	if _, err := r2.Cycle(context.Background()); err != nil {
		t.Fatalf("retry cycle: %v", err)
	}
	if got := len(mb.Messages(relay.ChannelDocumentRegistered)); got != 1 {
		t.Fatalf("published after retry = %d, want 1", got)
	}
}
