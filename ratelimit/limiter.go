// Package ratelimit provides a per-client sliding-window request counter used
// to throttle expensive historical and temporal queries.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultLimit is the number of requests allowed per window.
	DefaultLimit = 10
	// DefaultWindow is the trailing window size.
	DefaultWindow = 60 * time.Second

	sweepEvery = 256
)

// Limiter counts request instants per client within a trailing window. It is
// safe for concurrent use.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	clients map[string][]time.Time
	calls   int

	now func() time.Time // test hook
}

// New creates a limiter allowing up to limit requests per client within the
// trailing window. Non-positive arguments fall back to the defaults.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		clients: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow reports whether the client may issue a request now. On allow, the
// current instant is recorded against the client.
func (l *Limiter) Allow(clientID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(cutoff)
	}

	recent := trim(l.clients[clientID], cutoff)
	if len(recent) >= l.limit {
		l.clients[clientID] = recent
		return false
	}
	l.clients[clientID] = append(recent, now)
	return true
}

// sweep drops clients whose every recorded instant has aged out. Called
// lazily from Allow so idle clients do not grow the map forever.
func (l *Limiter) sweep(cutoff time.Time) {
	for id, instants := range l.clients {
		if len(trim(instants, cutoff)) == 0 {
			delete(l.clients, id)
		}
	}
}

func trim(instants []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(instants) && !instants[i].After(cutoff) {
		i++
	}
	return instants[i:]
}
