package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// LaunchGate bounds the number of live sessions and optionally paces how
// fast new sessions are started.
type LaunchGate struct {
	capacity  int
	semaphore chan struct{}
	limiter   *rate.Limiter
	active    map[string]time.Time
	mutex     sync.RWMutex
	closed    bool
}

// GateStats is a point-in-time view of a LaunchGate.
type GateStats struct {
	Capacity  int           `json:"capacity"`
	Active    int           `json:"active"`
	Available int           `json:"available"`
	Oldest    time.Duration `json:"oldest"`
	Closed    bool          `json:"closed"`
}

// NewLaunchGate creates a gate with capacity slots. launchRate is the number
// of session starts per second; zero disables pacing.
func NewLaunchGate(capacity int, launchRate float64, burst int) *LaunchGate {
	if capacity <= 0 {
		capacity = 1
	}
	g := &LaunchGate{
		capacity:  capacity,
		semaphore: make(chan struct{}, capacity),
		active:    make(map[string]time.Time),
	}
	if launchRate > 0 {
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(launchRate), burst)
	}
	return g
}

// Acquire blocks until a slot is free and the launch pace allows a new
// session, or ctx ends.
func (g *LaunchGate) Acquire(ctx context.Context, session string) error {
	g.mutex.RLock()
	closed := g.closed
	_, held := g.active[session]
	g.mutex.RUnlock()
	if closed {
		return fmt.Errorf("launch gate is closed")
	}
	if held {
		return fmt.Errorf("session %s already holds a slot", session)
	}

	select {
	case g.semaphore <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			<-g.semaphore
			return err
		}
	}

	g.mutex.Lock()
	g.active[session] = time.Now()
	g.mutex.Unlock()
	return nil
}

// Release frees the slot held by session. Unknown sessions are ignored.
func (g *LaunchGate) Release(session string) {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if _, ok := g.active[session]; !ok {
		return
	}
	delete(g.active, session)
	select {
	case <-g.semaphore:
	default:
	}
}

// Active returns the number of held slots.
func (g *LaunchGate) Active() int {
	g.mutex.RLock()
	defer g.mutex.RUnlock()
	return len(g.active)
}

// Stats returns the current gate statistics.
func (g *LaunchGate) Stats() GateStats {
	g.mutex.RLock()
	defer g.mutex.RUnlock()

	stats := GateStats{
		Capacity:  g.capacity,
		Active:    len(g.active),
		Available: g.capacity - len(g.active),
		Closed:    g.closed,
	}
	now := time.Now()
	for _, since := range g.active {
		if age := now.Sub(since); age > stats.Oldest {
			stats.Oldest = age
		}
	}
	return stats
}

// Close rejects further acquisitions and forgets every held slot.
func (g *LaunchGate) Close() {
	g.mutex.Lock()
	defer g.mutex.Unlock()

	if g.closed {
		return
	}
	g.closed = true
	g.active = make(map[string]time.Time)
	for {
		select {
		case <-g.semaphore:
		default:
			return
		}
	}
}
