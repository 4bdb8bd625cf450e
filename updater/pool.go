package main

import (
	"hash/fnv"
	"sync"

	"eventledger/feed"
)

type job struct {
	msg *feed.Message
}

// pool fans messages out across workers while keeping every aggregate
// pinned to one lane, so events of one aggregate apply in arrival order.
// Parallelism is across aggregates only.
type pool struct {
	lanes []chan job
	wg    sync.WaitGroup
}

func newPool(workers, buffer int, run func(job)) *pool {
	if workers <= 0 {
		workers = 1
	}
	p := &pool{lanes: make([]chan job, workers)}
	for i := range p.lanes {
		lane := make(chan job, buffer)
		p.lanes[i] = lane
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for j := range lane {
				run(j)
			}
		}()
	}
	return p
}

// dispatch blocks when the aggregate's lane is full; backpressure reaches
// the dequeue loop instead of dropping work.
func (p *pool) dispatch(aggregateID string, j job) {
	h := fnv.New32a()
	h.Write([]byte(aggregateID))
	p.lanes[int(h.Sum32())%len(p.lanes)] <- j
}

func (p *pool) close() {
	for _, lane := range p.lanes {
		close(lane)
	}
	p.wg.Wait()
}
