package distributed

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

// ============================================================================
// Rendezvous Hub
// ============================================================================

// Hub is the rendezvous shared by every worker of one run. It carries one
// collective per operation kind so that barriers, stat gathers and gradient
// reductions sequence independently of each other.
type Hub struct {
	worldSize int

	barrier *collective[struct{}]
	gather  *collective[[]byte]
	reduce  *collective[[]float64]
}

// NewHub creates the rendezvous for a worker group of the given size.
func NewHub(worldSize int) *Hub {
	return &Hub{
		worldSize: worldSize,
		barrier:   newCollective[struct{}](worldSize),
		gather:    newCollective[[]byte](worldSize),
		reduce:    newCollective[[]float64](worldSize),
	}
}

// WorldSize returns the number of workers the hub synchronizes.
func (h *Hub) WorldSize() int {
	return h.worldSize
}

// ============================================================================
// Lockstep Collective
// ============================================================================

// round is a single in-flight rendezvous of one collective operation.
type round[T any] struct {
	payloads []T
	arrived  int
	done     chan struct{}
}

// collective synchronizes one operation kind across the worker group.
// Worker k's n-th call joins round n of the operation, tracked with
// per-rank sequence counters, so a fast worker entering round n+1 never
// collides with a slow worker still finishing round n. A round completes
// when all worldSize workers have contributed, and every participant
// receives the same rank-indexed payload slice.
type collective[T any] struct {
	worldSize int

	mu     sync.Mutex
	seq    []int
	rounds map[int]*round[T]
}

func newCollective[T any](worldSize int) *collective[T] {
	return &collective[T]{
		worldSize: worldSize,
		seq:       make([]int, worldSize),
		rounds:    make(map[int]*round[T]),
	}
}

// join contributes payload to the caller's next round and blocks until
// every rank has arrived or ctx is cancelled. Callers must treat the
// returned slice as shared and read-only.
func (c *collective[T]) join(ctx context.Context, rank int, payload T) ([]T, error) {
	c.mu.Lock()
	n := c.seq[rank]
	c.seq[rank]++
	r, ok := c.rounds[n]
	if !ok {
		r = &round[T]{
			payloads: make([]T, c.worldSize),
			done:     make(chan struct{}),
		}
		c.rounds[n] = r
	}
	r.payloads[rank] = payload
	r.arrived++
	if r.arrived == c.worldSize {
		delete(c.rounds, n)
		close(r.done)
	}
	c.mu.Unlock()

	select {
	case <-r.done:
		return r.payloads, nil
	case <-ctx.Done():
		return nil, abortError(ctx)
	}
}

// abortError converts a context cancellation into the error carried as the
// cancel cause. Typed coordination errors (such as an expired heartbeat)
// pass through unchanged so callers can inspect them.
func abortError(ctx context.Context) error {
	cause := context.Cause(ctx)
	var appErr *errors.AppError
	if stderrors.As(cause, &appErr) {
		return appErr
	}
	return errors.NewFromCodef(errors.ErrCoordBarrierTimeout,
		"collective abandoned before all workers arrived: %v", cause)
}
