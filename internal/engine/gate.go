package engine

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// gate admits one generation at a time. Waiters are served in arrival order
// (semaphore.Weighted is FIFO); the queue channel bounds how many may wait.
type gate struct {
	modelID string
	queue   chan struct{} // buffered: queue slots, including the running one
	sem     *semaphore.Weighted
	maxWait time.Duration
	running atomic.Bool
}

func newGate(modelID string, depth int, maxWait time.Duration) *gate {
	return &gate{
		modelID: modelID,
		queue:   make(chan struct{}, depth),
		sem:     semaphore.NewWeighted(1),
		maxWait: maxWait,
	}
}

// enter reserves a queue slot and then the single in-flight slot, giving up
// with TooBusyError once maxWait has passed. A zero maxWait waits for the
// in-flight slot for as long as ctx allows but rejects at once when the queue
// is full. Returns a release func to be deferred.
func (g *gate) enter(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return func() {}, err
	}
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if g.maxWait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, g.maxWait)
	}
	defer cancel()
	busy := func() (func(), error) {
		if err := ctx.Err(); err != nil {
			return func() {}, err
		}
		return func() {}, &TooBusyError{ModelID: g.modelID}
	}

	if g.maxWait > 0 {
		select {
		case g.queue <- struct{}{}:
		case <-waitCtx.Done():
			return busy()
		}
	} else {
		// without a wait bound a full queue rejects at once
		select {
		case g.queue <- struct{}{}:
		default:
			return busy()
		}
	}
	if err := g.sem.Acquire(waitCtx, 1); err != nil {
		<-g.queue
		return busy()
	}
	g.running.Store(true)
	return func() {
		g.running.Store(false)
		g.sem.Release(1)
		<-g.queue
	}, nil
}

// waiting returns the number of requests queued behind the running one.
func (g *gate) waiting() int {
	n := len(g.queue)
	if g.running.Load() {
		n--
	}
	if n < 0 {
		return 0
	}
	return n
}
