package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortPoolUniqueDraws(t *testing.T) {
	p := NewPortPool(42000, 42099)

	seen := make(map[int]bool)
	for i := 0; i < 100; i++ {
		port, err := p.Allocate()
		require.NoError(t, err)
		require.GreaterOrEqual(t, port, 42000)
		require.LessOrEqual(t, port, 42099)
		require.False(t, seen[port], "port %d handed out twice", port)
		seen[port] = true
	}

	_, err := p.Allocate()
	assert.ErrorIs(t, err, ErrPoolExhausted)
}

func TestPortPoolReleaseMakesPortAvailable(t *testing.T) {
	p := NewPortPool(42000, 42000)

	port, err := p.Allocate()
	require.NoError(t, err)
	require.Equal(t, 42000, port)

	_, err = p.Allocate()
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.Release(port)
	again, err := p.Allocate()
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestPortPoolReleaseUnknownPortHarmless(t *testing.T) {
	p := NewPortPool(42000, 42001)
	p.Release(50000)
	assert.Equal(t, 0, p.InUse())
}
