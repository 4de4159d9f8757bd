package distributed

import (
	"context"
	"sync"
	"time"

	"github.com/Jwoo5/ai612-project2-2023/internal/observability/logging"
	"github.com/Jwoo5/ai612-project2-2023/pkg/errors"
)

// ============================================================================
// Update Watchdog
// ============================================================================

// Watchdog cancels a worker's context when the update counter stops
// advancing for longer than the heartbeat window. The cancellation cause
// is a fatal coordination error, so collectives blocked on the cancelled
// context surface it directly and the whole group tears down.
type Watchdog struct {
	rank    int
	timeout time.Duration
	cancel  context.CancelCauseFunc
	logger  logging.Logger

	mu       sync.Mutex
	lastBeat time.Time
	lastSeen int
	stopped  bool
	stop     chan struct{}
}

// StartWatchdog derives a context that expires when no update progress is
// observed for the given window. A timeout of zero or below disables
// monitoring and returns ctx unchanged.
func StartWatchdog(ctx context.Context, rank int, timeout time.Duration, logger logging.Logger) (context.Context, *Watchdog) {
	if timeout <= 0 {
		return ctx, &Watchdog{}
	}
	wctx, cancel := context.WithCancelCause(ctx)
	w := &Watchdog{
		rank:     rank,
		timeout:  timeout,
		cancel:   cancel,
		logger:   logger,
		lastBeat: time.Now(),
		lastSeen: -1,
		stop:     make(chan struct{}),
	}
	go w.monitor(wctx)
	return wctx, w
}

// Beat records the current update counter. The window only resets when
// the counter has advanced since the previous beat, so a worker stuck
// replaying the same update still expires.
func (w *Watchdog) Beat(numUpdates int) {
	if w.cancel == nil {
		return
	}
	w.mu.Lock()
	if numUpdates != w.lastSeen {
		w.lastSeen = numUpdates
		w.lastBeat = time.Now()
	}
	w.mu.Unlock()
}

// Stop halts monitoring without cancelling the derived context. It is
// safe to call more than once.
func (w *Watchdog) Stop() {
	if w.stop == nil {
		return
	}
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stop)
	}
	w.mu.Unlock()
}

func (w *Watchdog) monitor(ctx context.Context) {
	interval := w.timeout / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.mu.Lock()
			idle := time.Since(w.lastBeat)
			seen := w.lastSeen
			w.mu.Unlock()
			if idle <= w.timeout {
				continue
			}
			w.logger.Error("heartbeat expired, tearing down worker",
				logging.Int("rank", w.rank),
				logging.Duration("idle", idle),
				logging.Int("last_num_updates", seen),
			)
			w.cancel(errors.NewFromCodef(errors.ErrCoordHeartbeatExpired,
				"rank %d made no update progress for %s (last num_updates %d)",
				w.rank, idle.Round(time.Millisecond), seen))
			return
		}
	}
}
