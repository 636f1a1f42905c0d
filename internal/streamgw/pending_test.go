package streamgw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPendingQueueFIFO(t *testing.T) {
	q := newPendingQueue(time.Minute)
	q.push("A1")
	q.push("A2")

	uuid, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "A1", uuid)

	uuid, ok = q.pop()
	require.True(t, ok)
	assert.Equal(t, "A2", uuid)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestPendingQueueExpiry(t *testing.T) {
	q := newPendingQueue(20 * time.Millisecond)
	q.push("old")
	time.Sleep(40 * time.Millisecond)
	q.push("fresh")

	// The expired head is discarded on pop, not returned.
	uuid, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "fresh", uuid)
	assert.Equal(t, 0, q.len())
}

func TestPendingQueueAllExpired(t *testing.T) {
	q := newPendingQueue(10 * time.Millisecond)
	q.push("a")
	q.push("b")
	time.Sleep(30 * time.Millisecond)

	_, ok := q.pop()
	assert.False(t, ok)
}
