package recovery

import (
	"context"
	"sync"
)

// Gate is closed until the first successful recovery pass of a resource.
// Transactional acquires wait on it; non-transactional ones never do.
type Gate struct {
	once sync.Once
	ch   chan struct{}
}

func newGate() *Gate { return &Gate{ch: make(chan struct{})} }

// Open releases all current and future waiters. Safe to call repeatedly.
func (g *Gate) Open() { g.once.Do(func() { close(g.ch) }) }

// IsOpen reports whether the first recovery pass has completed.
func (g *Gate) IsOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
