package pipeline

import "sync"

// Gate is the process-wide single-flight coordinator for fetch cycles.
// It is injected into the Pipeline rather than held as package state so
// tests can isolate cycles from each other.
type Gate struct {
	mu sync.Mutex
}

// TryAcquire attempts to take the gate without blocking and reports
// whether it succeeded.
func (g *Gate) TryAcquire() bool {
	return g.mu.TryLock()
}

// Release frees the gate. Must only be called after a successful
// TryAcquire.
func (g *Gate) Release() {
	g.mu.Unlock()
}
