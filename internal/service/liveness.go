package service

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// counters is what a listener reports in its pong: requests handled
// since the previous ping round.
type counters struct {
	Success uint64 `json:"success"`
	Errors  uint64 `json:"errors"`
}

// livenessTable tracks which listeners answered the last ping round.
// It is updated exclusively from ping-result broadcasts and trusted
// for 2 × pingDelay after each one; peers are discovered through the
// same broadcasts, never through a separate mechanism.
type livenessTable struct {
	mu         sync.Mutex
	validUntil time.Time
	alive      map[string]struct{}
	workers    map[string][]int // service name -> sorted worker indices
}

func newLivenessTable() *livenessTable {
	return &livenessTable{
		alive:   make(map[string]struct{}),
		workers: make(map[string][]int),
	}
}

// apply overwrites the table from a ping-result map of
// listener id -> {ping, success, errors}. Only the keys matter here;
// the per-listener reports are for health consumers.
func (t *livenessTable) apply(pings map[string]any, pingDelay time.Duration) {
	alive := make(map[string]struct{}, len(pings))
	workers := make(map[string][]int, len(pings))

	for listener := range pings {
		name, index, ok := splitListener(listener)
		if !ok {
			continue
		}
		alive[listener] = struct{}{}
		workers[name] = append(workers[name], index)
	}
	for _, indices := range workers {
		sort.Ints(indices)
	}

	t.mu.Lock()
	t.alive = alive
	t.workers = workers
	t.validUntil = time.Now().Add(2 * pingDelay)
	t.mu.Unlock()
}

// isAlive reports whether a listener answered the last round. known is
// false once the validity window has lapsed (or before any round);
// callers then send optimistically.
func (t *livenessTable) isAlive(name string, worker int) (alive, known bool) {
	listener := fmt.Sprintf("%s@%d", name, worker)

	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Now().After(t.validUntil) {
		return false, false
	}
	_, ok := t.alive[listener]
	return ok, true
}

// workersOf returns the known worker indices for a service name, in
// ascending order. Empty when the window lapsed or the name is unknown.
func (t *livenessTable) workersOf(name string) []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if time.Now().After(t.validUntil) {
		return nil
	}
	indices := t.workers[name]
	out := make([]int, len(indices))
	copy(out, indices)
	return out
}

func splitListener(listener string) (name string, index int, ok bool) {
	at := strings.LastIndexByte(listener, '@')
	if at <= 0 {
		return "", 0, false
	}
	index, err := strconv.Atoi(listener[at+1:])
	if err != nil || index < 0 {
		return "", 0, false
	}
	return listener[:at], index, true
}
