package bus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"kbengine/internal/bus"
	"kbengine/internal/domain"
)

func testMessage(eventType string) domain.EventMessage {
	return domain.EventMessage{
		EventID:       uuid.New(),
		AggregateID:   uuid.New(),
		CorrelationID: uuid.New(),
		EventType:     domain.EventType(eventType),
		Payload:       []byte(`{}`),
	}
}

func TestMemoryBusDeliversInPublishOrder(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	published := []domain.EventMessage{
		testMessage("first"),
		testMessage("second"),
		testMessage("third"),
	}
	for _, msg := range published {
		if err := b.Publish(ctx, "events.test", msg); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if got := b.Messages("events.test"); len(got) != 3 {
		t.Fatalf("queued = %d, want 3", len(got))
	}

	got := make(chan domain.EventMessage, 3)
	go func() {
		_ = b.Consume(ctx, "events.test", func(ctx context.Context, msg domain.EventMessage) error {
			got <- msg
			return nil
		})
	}()

	for i, want := range published {
		select {
		case msg := <-got:
			if msg.EventID != want.EventID {
				t.Fatalf("delivery %d = %s, want %s", i, msg.EventType, want.EventType)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("delivery %d never arrived", i)
		}
	}
}

func TestMemoryBusWakesBlockedConsumer(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.EventMessage, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		_ = b.Consume(ctx, "events.test", func(ctx context.Context, msg domain.EventMessage) error {
			got <- msg
			return nil
		})
	}()
	<-started

	// Published after the consumer is already waiting on an empty queue.
	want := testMessage("late")
	if err := b.Publish(ctx, "events.test", want); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg.EventID != want.EventID {
			t.Fatalf("got %s, want %s", msg.EventID, want.EventID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("blocked consumer never woke")
	}
}

func TestMemoryBusRequeuesOnHandlerError(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	msg := testMessage("flaky")
	if err := b.Publish(ctx, "events.test", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	attempts := 0
	done := make(chan struct{})
	go func() {
		_ = b.Consume(ctx, "events.test", func(ctx context.Context, m domain.EventMessage) error {
			attempts++
			if attempts == 1 {
				return errors.New("transient")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("message was not redelivered after handler error")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestMemoryBusConsumeStopsOnContextCancel(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Consume(ctx, "events.test", func(ctx context.Context, m domain.EventMessage) error {
			return nil
		})
	}()
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("consume returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("consume did not stop on cancellation")
	}
}

func TestMemoryBusChannelsAreIsolated(t *testing.T) {
	b := bus.NewMemoryBus()
	ctx := context.Background()

	if err := b.Publish(ctx, "events.a", testMessage("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if got := b.Messages("events.b"); len(got) != 0 {
		t.Fatalf("channel b sees %d messages, want 0", len(got))
	}
	if got := b.Messages("events.a"); len(got) != 1 {
		t.Fatalf("channel a sees %d messages, want 1", len(got))
	}
}
