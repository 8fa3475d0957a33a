package exchange

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Start launches the background scheduler. It runs a round whenever a
// subscribed group is due, and backs off exponentially after failures.
func (e *Engine) Start(ctx context.Context) error {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	if e.cancel != nil {
		return fmt.Errorf("scheduler already running")
	}
	e.stopping.Store(false)
	ctx, e.cancel = context.WithCancel(ctx)

	e.wg.Add(1)
	go e.schedule(ctx)
	e.logger.Info("scheduler started", zap.Duration("tick", e.config.TickInterval))
	return nil
}

// Stop asks the scheduler to finish. A round in flight completes the group
// it is merging and skips the rest; Stop returns once it has.
func (e *Engine) Stop() {
	e.schedMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.schedMu.Unlock()
	if cancel == nil {
		return
	}

	e.stopping.Store(true)
	cancel()
	e.wg.Wait()
	e.stopping.Store(false)
	e.logger.Info("scheduler stopped")
}

// Running reports whether the scheduler is active.
func (e *Engine) Running() bool {
	e.schedMu.Lock()
	defer e.schedMu.Unlock()
	return e.cancel != nil
}

func (e *Engine) schedule(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Engine) tick(ctx context.Context) {
	// an explicit SyncNow is already doing the work
	if e.inflight.Load() {
		return
	}
	now := e.config.Now()
	if now.Before(e.retryAfter) {
		return
	}

	due, err := e.deps.Groups.Due(ctx, now, e.DefaultInterval())
	if err != nil {
		e.logger.Warn("failed to list due groups", zap.Error(err))
		return
	}
	if len(due) == 0 {
		return
	}

	rep, err := e.SyncNow(ctx)
	if err != nil && ctx.Err() == nil {
		e.backoff = nextBackoff(e.backoff, e.config.BackoffMin, e.config.BackoffMax)
		e.retryAfter = e.config.Now().Add(e.backoff)
		e.logger.Info("backing off",
			zap.Duration("delay", e.backoff),
			zap.Bool("transient", rep != nil && rep.IsTransient()))
		return
	}
	e.backoff = 0
	e.retryAfter = time.Time{}
}

// nextBackoff doubles cur within [lo, hi].
func nextBackoff(cur, lo, hi time.Duration) time.Duration {
	if cur < lo {
		return lo
	}
	cur *= 2
	if cur > hi {
		return hi
	}
	return cur
}

// Close stops the scheduler and closes every report subscription.
func (e *Engine) Close() {
	e.Stop()
	e.reports.Close()
}
