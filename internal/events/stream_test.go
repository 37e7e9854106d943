package events

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestStreamDeliverAndAck(t *testing.T) {
	stream := NewStream(Config{Retain: 8})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := stream.Subscribe(ctx, "alpha", 4)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := stream.Publish(Event{Kind: KindLogin, Identity: "alice"}); err != nil {
		t.Fatalf("publish login failed: %v", err)
	}
	if _, err := stream.Publish(Event{Kind: KindRoom, Game: "chess", Room: "alice", Detail: "created"}); err != nil {
		t.Fatalf("publish room failed: %v", err)
	}
	if _, err := stream.Publish(Event{Kind: KindGameStart, Game: "chess", Room: "alice"}); err != nil {
		t.Fatalf("publish start failed: %v", err)
	}

	for expected := uint64(1); expected <= 3; expected++ {
		select {
		case ev := <-sub.Events():
			if ev.Sequence != expected {
				t.Fatalf("expected sequence %d, got %d", expected, ev.Sequence)
			}
			if ev.At.IsZero() {
				t.Fatal("expected timestamp to be stamped on publish")
			}
			if err := sub.Ack(ev.Sequence); err != nil {
				t.Fatalf("ack failed: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for event %d", expected)
		}
	}
}

func TestStreamResendsUnackedEventsOnResubscribe(t *testing.T) {
	stream := NewStream(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := stream.Subscribe(ctx, "bravo", 2)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := stream.Publish(Event{Kind: KindLogin, Identity: "first"}); err != nil {
		t.Fatalf("publish first failed: %v", err)
	}
	if _, err := stream.Publish(Event{Kind: KindLogin, Identity: "second"}); err != nil {
		t.Fatalf("publish second failed: %v", err)
	}

	ev := <-sub.Events()
	if ev.Identity != "first" {
		t.Fatalf("expected first event, got %q", ev.Identity)
	}
	if err := sub.Ack(ev.Sequence); err != nil {
		t.Fatalf("ack first failed: %v", err)
	}

	// Read the second event without acking to simulate a lost delivery.
	<-sub.Events()
	sub.Close()

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()

	replay, err := stream.Subscribe(ctx2, "bravo", 2)
	if err != nil {
		t.Fatalf("resubscribe failed: %v", err)
	}

	select {
	case ev := <-replay.Events():
		if ev.Identity != "second" {
			t.Fatalf("expected replay of second event, got %q", ev.Identity)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for replayed event")
	}
}

func TestStreamRejectsOutOfOrderAck(t *testing.T) {
	stream := NewStream(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := stream.Subscribe(ctx, "charlie", 2)
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	if _, err := stream.Publish(Event{Kind: KindCatalog, Game: "chess", Detail: "published"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if _, err := stream.Publish(Event{Kind: KindCatalog, Game: "chess", Detail: "updated"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	first := <-sub.Events()
	second := <-sub.Events()

	if err := sub.Ack(second.Sequence); !errors.Is(err, ErrOutOfOrderAck) {
		t.Fatalf("expected out of order error, got %v", err)
	}

	if err := sub.Ack(first.Sequence); err != nil {
		t.Fatalf("ack first failed: %v", err)
	}
	if err := sub.Ack(second.Sequence); err != nil {
		t.Fatalf("ack second failed: %v", err)
	}
}

func TestPublishRequiresKind(t *testing.T) {
	stream := NewStream(Config{})
	if _, err := stream.Publish(Event{Identity: "alice"}); err == nil {
		t.Fatal("expected an error for an event without a kind")
	}
}
