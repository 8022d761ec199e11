package updater

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceGuardDisabledWithoutLimit(t *testing.T) {
	assert.Nil(t, newResourceGuard(0, zerolog.Nop()))
	assert.Nil(t, newResourceGuard(-1, zerolog.Nop()))
}

func TestResourceGuardPausesOverLimit(t *testing.T) {
	// The test binary holds far more than one resident megabyte.
	g := newResourceGuard(1, zerolog.Nop())
	require.NotNil(t, g)

	g.sampleOnce()
	assert.True(t, g.paused.Load())
	assert.Greater(t, g.memBytes.Load(), uint64(1024*1024))
	assert.GreaterOrEqual(t, g.cpu(), 0.0)
}

func TestResourceGuardStaysOpenUnderLimit(t *testing.T) {
	g := newResourceGuard(1<<20, zerolog.Nop())
	require.NotNil(t, g)

	g.sampleOnce()
	assert.False(t, g.paused.Load())
	require.NoError(t, g.Wait(context.Background()))
}
