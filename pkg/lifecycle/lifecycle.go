// Package lifecycle provides the run/pause and interrupt gate that background
// workers park on in step with the host process state.
package lifecycle

import (
	"sync"
	"time"
)

// Gate tracks whether the owning process is actively running and whether it
// has been interrupted. A new Gate is paused and not interrupted.
type Gate struct {
	mu          sync.Mutex
	running     bool
	interrupted bool
	// runningCh is closed while running.
	runningCh   chan struct{}
}

// NewGate returns a paused gate.
func NewGate() *Gate {
	return &Gate{
		runningCh: make(chan struct{}),
	}
}

// Interrupt stops running and marks the gate interrupted. Blocking loops
// observing the gate give up instead of waiting further.
func (g *Gate) Interrupt() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.running {
		g.running = false
		g.runningCh = make(chan struct{})
	}
	g.interrupted = true
}

// Resume clears the interrupt and starts running.
func (g *Gate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.interrupted = false
	if !g.running {
		g.running = true
		close(g.runningCh)
	}
}

// Running reports whether the gate is running.
func (g *Gate) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// Interrupted reports whether Interrupt was called since the last Resume.
func (g *Gate) Interrupted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interrupted
}

// WaitRunning parks until the gate runs, stop is closed or timeout elapses.
// It reports whether the gate is running.
func (g *Gate) WaitRunning(stop <-chan struct{}, timeout time.Duration) bool {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return true
	}
	ch := g.runningCh
	g.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-stop:
	case <-t.C:
	}
	return g.Running()
}
