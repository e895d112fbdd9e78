package app

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/signalhub/internal/adapter/metrics"
	"github.com/pscheid92/signalhub/internal/dispatch"
)

type CycleRunner interface {
	RunCycle(ctx context.Context) dispatch.CycleReport
}

// CycleTicker runs one dispatch cycle per interval on a single global timer.
// A tick that arrives while the previous cycle is still running is skipped,
// so cycles never overlap and the timer never blocks.
type CycleTicker struct {
	runner   CycleRunner
	interval time.Duration
	clock    clockwork.Clock
	metrics  *metrics.DispatchMetrics

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewCycleTicker(runner CycleRunner, interval time.Duration, clock clockwork.Clock, m *metrics.DispatchMetrics) *CycleTicker {
	return &CycleTicker{
		runner:   runner,
		interval: interval,
		clock:    clock,
		metrics:  m,
	}
}

// Run starts a cycle immediately, then one per interval. It blocks until ctx
// is cancelled and the in-flight cycle, if any, has returned.
func (t *CycleTicker) Run(ctx context.Context) {
	defer t.wg.Wait()

	ticker := t.clock.NewTicker(t.interval)
	defer ticker.Stop()

	t.trigger(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			t.trigger(ctx)
		}
	}
}

func (t *CycleTicker) trigger(ctx context.Context) {
	if !t.running.CompareAndSwap(false, true) {
		t.metrics.SkippedTicks.Inc()
		slog.WarnContext(ctx, "Ticker: previous cycle still running, skipping tick", "interval", t.interval)
		return
	}

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.running.Store(false)
		t.runner.RunCycle(ctx)
	}()
}
