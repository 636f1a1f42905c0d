package streamgw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayBounds(t *testing.T) {
	base := 500 * time.Millisecond
	max := 8 * time.Second
	jitter := 200 * time.Millisecond

	for k := 0; k < 10; k++ {
		expected := base << k
		if expected > max {
			expected = max
		}
		for i := 0; i < 20; i++ {
			d := backoffDelay(base, max, jitter, k)
			assert.GreaterOrEqual(t, d, expected, "attempt %d", k)
			assert.Less(t, d, expected+jitter, "attempt %d", k)
		}
	}
}

func TestBackoffDelayNoJitter(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, backoffDelay(500*time.Millisecond, 8*time.Second, 0, 0))
	assert.Equal(t, 2*time.Second, backoffDelay(500*time.Millisecond, 8*time.Second, 0, 2))
	assert.Equal(t, 8*time.Second, backoffDelay(500*time.Millisecond, 8*time.Second, 0, 30))
}
