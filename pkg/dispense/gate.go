package dispense

import (
	"context"
	"errors"
	"sync"
)

var ErrBusy = errors.New("dispensing already in progress")

// Gate is the process-wide "dispensing in progress" flag. Every trigger
// source acquires it before entering the pipeline.
type Gate struct {
	mu   sync.Mutex
	idle chan struct{} // closed on Release, nil while free
}

func NewGate() *Gate {
	return &Gate{}
}

func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idle != nil {
		return false
	}
	g.idle = make(chan struct{})
	return true
}

func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idle == nil {
		return
	}
	close(g.idle)
	g.idle = nil
}

func (g *Gate) Busy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idle != nil
}

// Wait blocks until the gate is free or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	idle := g.idle
	g.mu.Unlock()

	if idle == nil {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
