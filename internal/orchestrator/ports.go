package orchestrator

import (
	"errors"
	"math/rand"
	"sync"
)

// ErrPoolExhausted is returned when no free port could be drawn.
var ErrPoolExhausted = errors.New("orchestrator: port pool exhausted")

// PortPool hands out random UDP ports from an inclusive range. Random
// draws keep freshly released ports out of immediate reuse, which matters
// when a late RTP packet for the previous call is still in flight.
type PortPool struct {
	min, max int

	mu   sync.Mutex
	used map[int]bool
}

// NewPortPool creates a pool over [min, max].
func NewPortPool(min, max int) *PortPool {
	return &PortPool{min: min, max: max, used: make(map[int]bool)}
}

// Allocate draws a free port. The number of draws is bounded by the range
// width; a full pool returns ErrPoolExhausted.
func (p *PortPool) Allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	width := p.max - p.min + 1
	if len(p.used) >= width {
		return 0, ErrPoolExhausted
	}

	for i := 0; i < width; i++ {
		port := p.min + rand.Intn(width)
		if !p.used[port] {
			p.used[port] = true
			return port, nil
		}
	}
	return 0, ErrPoolExhausted
}

// Release frees a port. Releasing a free port is harmless.
func (p *PortPool) Release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.used, port)
}

// InUse reports the number of allocated ports.
func (p *PortPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.used)
}
