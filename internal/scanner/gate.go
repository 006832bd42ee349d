package scanner

import (
	"context"
	"sync"
	"time"
)

// CredentialGate is closed once the directory credential becomes available
type CredentialGate struct {
	once sync.Once
	ch   chan struct{}
}

func NewCredentialGate() *CredentialGate {
	return &CredentialGate{ch: make(chan struct{})}
}

// Open releases every current and future waiter
func (g *CredentialGate) Open() {
	g.once.Do(func() { close(g.ch) })
}

func (g *CredentialGate) IsOpen() bool {
	select {
	case <-g.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the gate opens, the timeout elapses or ctx is done.
// It reports whether the gate opened.
func (g *CredentialGate) Wait(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-g.ch:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
