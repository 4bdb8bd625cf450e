package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"eventledger/domain"
)

type fakeApplier struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (f *fakeApplier) HandleEvent(_ context.Context, ev domain.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func TestProcessAppliesAndPublishes(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	ctx := context.Background()
	pubsub := rc.Subscribe(ctx, "readmodel-updates")
	defer pubsub.Close()
	if _, err := pubsub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	done := make(chan string, 1)
	go func() {
		msg := <-pubsub.Channel()
		done <- msg.Payload
	}()

	applier := &fakeApplier{}
	proc := &processor{apply: applier, rc: rc, channel: "readmodel-updates"}

	ev := domain.NewEvent("OrderPlaced", "order-1", 1, map[string]any{"orderId": "order-1"})
	if err := proc.process(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(applier.events) != 1 || applier.events[0].ID != ev.ID {
		t.Fatalf("event not applied: %v", applier.events)
	}

	select {
	case payload := <-done:
		if payload == "" {
			t.Fatal("empty notification payload")
		}
	case <-time.After(time.Second):
		t.Fatal("no update notification received")
	}
}

func TestProcessFailureSkipsNotification(t *testing.T) {
	m, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer m.Close()
	rc := redis.NewClient(&redis.Options{Addr: m.Addr()})
	defer rc.Close()

	applier := &fakeApplier{err: errors.New("projection down")}
	proc := &processor{apply: applier, rc: rc, channel: "readmodel-updates"}

	ev := domain.NewEvent("OrderPlaced", "order-1", 1, nil)
	if err := proc.process(context.Background(), ev); err == nil {
		t.Fatal("apply failure not surfaced")
	}
}

func TestProcessWithoutRedis(t *testing.T) {
	applier := &fakeApplier{}
	proc := &processor{apply: applier}

	ev := domain.NewEvent("OrderPlaced", "order-1", 1, nil)
	if err := proc.process(context.Background(), ev); err != nil {
		t.Fatalf("process without redis: %v", err)
	}
}
