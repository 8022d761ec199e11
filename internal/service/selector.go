package service

import "sync"

// selector picks workers round-robin per target service, skipping
// workers the liveness table reports dead.
type selector struct {
	mu      sync.Mutex
	cursors map[string]int
}

func newSelector() *selector {
	return &selector{cursors: make(map[string]int)}
}

// pick scans at most len(workers) entries starting right after the
// target's cursor and returns the first alive worker, advancing the
// cursor to it. When every candidate is dead it returns the last one
// tried; the send then fails fast with ErrServiceUnavailable.
func (s *selector) pick(target string, workers []int, alive func(index int) bool) int {
	if len(workers) == 0 {
		return 0
	}

	s.mu.Lock()
	cursor := s.cursors[target]
	s.mu.Unlock()

	n := len(workers)
	last := workers[cursor%n]
	for i := 1; i <= n; i++ {
		slot := (cursor + i) % n
		last = workers[slot]
		if alive(last) {
			s.mu.Lock()
			s.cursors[target] = slot
			s.mu.Unlock()
			return last
		}
	}
	return last
}
