package main

import (
	"fmt"
	"sync"
	"testing"

	"eventledger/domain"
	"eventledger/feed"
)

func TestPoolKeepsPerAggregateOrder(t *testing.T) {
	var mu sync.Mutex
	seen := map[string][]int{}

	p := newPool(4, 16, func(j job) {
		mu.Lock()
		defer mu.Unlock()
		id := j.msg.Event.AggregateID
		seen[id] = append(seen[id], j.msg.Event.AggregateVersion)
	})

	aggregates := []string{"order-a", "order-b", "order-c", "order-d", "order-e"}
	for version := 1; version <= 20; version++ {
		for _, id := range aggregates {
			p.dispatch(id, job{msg: &feed.Message{
				Event: domain.Event{AggregateID: id, AggregateVersion: version},
			}})
		}
	}
	p.close()

	for _, id := range aggregates {
		versions := seen[id]
		if len(versions) != 20 {
			t.Fatalf("aggregate %s: saw %d events, want 20", id, len(versions))
		}
		for i, v := range versions {
			if v != i+1 {
				t.Fatalf("aggregate %s: version %d at position %d, order broken: %v", id, v, i, versions)
			}
		}
	}
}

func TestPoolDrainsOnClose(t *testing.T) {
	var mu sync.Mutex
	processed := 0

	p := newPool(2, 64, func(job) {
		mu.Lock()
		processed++
		mu.Unlock()
	})
	for i := 0; i < 50; i++ {
		p.dispatch(fmt.Sprintf("order-%d", i), job{msg: &feed.Message{}})
	}
	p.close()

	if processed != 50 {
		t.Fatalf("processed %d jobs after close, want 50", processed)
	}
}

func TestPoolSingleWorkerFallback(t *testing.T) {
	done := make(chan struct{}, 1)
	p := newPool(0, 1, func(job) { done <- struct{}{} })
	p.dispatch("order-1", job{msg: &feed.Message{}})
	<-done
	p.close()
}
