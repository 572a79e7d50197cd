package workflow

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate is the admission gate shared by every in-flight step dispatch. Waiters
// are admitted in arrival order: they queue on a single-weight semaphore and
// only the head of the queue waits for a free slot. One in-flight counter is
// checked against size, so a resize applies to current holders and waiters alike.
type Gate struct {
	turn *semaphore.Weighted

	mu       sync.Mutex
	size     int64
	inFlight int64
	changed  chan struct{} // closed when a slot frees up or the size grows

	waiting atomic.Int64
}

func NewGate(size int) *Gate {
	if size < 1 {
		size = 1
	}

	return &Gate{
		turn:    semaphore.NewWeighted(1),
		size:    int64(size),
		changed: make(chan struct{}),
	}
}

// Acquire blocks until a slot is free or ctx ends. The returned func releases the slot.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	err := g.turn.Acquire(ctx, 1)
	if err != nil {
		return nil, err
	}
	defer g.turn.Release(1)

	for {
		g.mu.Lock()

		if g.inFlight < g.size {
			g.inFlight++
			g.mu.Unlock()

			return g.releaser(), nil
		}

		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (g *Gate) releaser() func() {
	var once sync.Once

	return func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()

			g.inFlight--
			g.notifyLocked()
		})
	}
}

// notifyLocked wakes the head waiter. g.mu must be held.
func (g *Gate) notifyLocked() {
	close(g.changed)
	g.changed = make(chan struct{})
}

// Resize changes the number of slots. Shrinking never preempts holders: no
// one is admitted until in-flight dispatches drop below the new size.
func (g *Gate) Resize(size int) {
	if size < 1 {
		size = 1
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if int64(size) == g.size {
		return
	}

	g.size = int64(size)
	g.notifyLocked()
}

func (g *Gate) Size() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return int(g.size)
}

// InFlight returns how many dispatches currently hold a slot.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return int(g.inFlight)
}

// Waiting returns how many dispatches are queued for a slot.
func (g *Gate) Waiting() int {
	return int(g.waiting.Load())
}
