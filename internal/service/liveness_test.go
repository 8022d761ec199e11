package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func pingResult(listeners ...string) map[string]any {
	pings := make(map[string]any, len(listeners))
	for _, l := range listeners {
		pings[l] = map[string]any{
			"ping":    float64(3),
			"success": float64(0),
			"errors":  float64(0),
		}
	}
	return pings
}

func TestLivenessApplyAndExpire(t *testing.T) {
	table := newLivenessTable()

	_, known := table.isAlive("auth", 0)
	assert.False(t, known, "no round yet, table is not trusted")

	table.apply(pingResult("auth@0", "auth@1", "ranking@0"), 50*time.Millisecond)

	alive, known := table.isAlive("auth", 1)
	assert.True(t, known)
	assert.True(t, alive)

	alive, known = table.isAlive("auth", 2)
	assert.True(t, known)
	assert.False(t, alive, "worker 2 did not answer the round")

	assert.Equal(t, []int{0, 1}, table.workersOf("auth"))
	assert.Equal(t, []int{0}, table.workersOf("ranking"))
	assert.Empty(t, table.workersOf("profile"))

	// Validity window is 2 x pingDelay.
	time.Sleep(120 * time.Millisecond)
	_, known = table.isAlive("auth", 0)
	assert.False(t, known, "window lapsed")
	assert.Empty(t, table.workersOf("auth"))
}

func TestLivenessOverwritesPreviousRound(t *testing.T) {
	table := newLivenessTable()
	table.apply(pingResult("a@0", "a@1", "b@0"), time.Minute)
	table.apply(pingResult("a@0", "b@0"), time.Minute)

	alive, known := table.isAlive("a", 1)
	assert.True(t, known)
	assert.False(t, alive, "a@1 missed the latest round")
	assert.Equal(t, []int{0}, table.workersOf("a"))
}

func TestLivenessIgnoresMalformedListeners(t *testing.T) {
	table := newLivenessTable()
	table.apply(map[string]any{
		"a@0":     nil,
		"trash":   nil,
		"@3":      nil,
		"a@minus": nil,
	}, time.Minute)

	assert.Equal(t, []int{0}, table.workersOf("a"))
}

func TestSelectorCyclesAliveWorkers(t *testing.T) {
	sel := newSelector()
	workers := []int{0, 1, 2}
	allAlive := func(int) bool { return true }

	seen := make(map[int]bool)
	for i := 0; i < 3; i++ {
		seen[sel.pick("a", workers, allAlive)] = true
	}
	assert.Len(t, seen, 3, "N selections over N alive workers hit every worker")
}

func TestSelectorSkipsDeadWorkers(t *testing.T) {
	sel := newSelector()
	workers := []int{0, 1, 2}
	alive := func(index int) bool { return index != 1 }

	for i := 0; i < 10; i++ {
		assert.NotEqual(t, 1, sel.pick("a", workers, alive))
	}
}

func TestSelectorAllDeadReturnsLastTried(t *testing.T) {
	sel := newSelector()
	workers := []int{0, 1}
	dead := func(int) bool { return false }

	// Whatever it returns, the send will fail fast; it must not loop.
	got := sel.pick("a", workers, dead)
	assert.Contains(t, workers, got)
}

func TestSelectorIndependentCursorsPerTarget(t *testing.T) {
	sel := newSelector()
	allAlive := func(int) bool { return true }

	first := sel.pick("a", []int{0, 1}, allAlive)
	_ = sel.pick("b", []int{0, 1, 2}, allAlive)
	second := sel.pick("a", []int{0, 1}, allAlive)

	assert.NotEqual(t, first, second, "cursor for a advanced independently of b")
}
