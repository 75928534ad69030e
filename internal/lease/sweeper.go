package lease

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/keyserver/internal/clock"
	"pkt.systems/keyserver/internal/loggingutil"
)

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   pslog.Logger
}

// SweepResult summarises one sweep cycle.
type SweepResult struct {
	Visited   int
	Purged    int
	Reclaimed int
	Failed    int
	Duration  time.Duration
}

// Sweeper periodically applies the store's expiry policy. It uses the same
// locked transitions as request handlers and holds no privileges of its own.
type Sweeper struct {
	store    *Store
	clock    clock.Clock
	logger   pslog.Logger
	metrics  *sweeperMetrics
	interval atomic.Int64

	// expireFn is swapped by tests to inject per-key failures.
	expireFn func(id uint64) (Transition, Stats, error)

	mu      sync.Mutex
	stop    chan struct{}
	done    sync.WaitGroup
	running bool
}

// NewSweeper returns a stopped sweeper bound to store.
func NewSweeper(store *Store, cfg SweeperConfig) *Sweeper {
	if cfg.Clock == nil {
		cfg.Clock = store.clock
	}
	logger := loggingutil.WithSubsystem(cfg.Logger, "lease.sweeper")
	w := &Sweeper{
		store:    store,
		clock:    cfg.Clock,
		logger:   logger,
		metrics:  newSweeperMetrics(logger),
		expireFn: store.expire,
	}
	w.SetInterval(cfg.Interval)
	return w
}

// Interval returns the current wake period.
func (w *Sweeper) Interval() time.Duration {
	return time.Duration(w.interval.Load())
}

// SetInterval changes the wake period. It takes effect after the pending wait
// completes. Non-positive values select DefaultSweepInterval.
func (w *Sweeper) SetInterval(d time.Duration) {
	if d <= 0 {
		d = DefaultSweepInterval
	}
	w.interval.Store(int64(d))
}

// Start launches the sweep loop in the background. Calling Start on a running
// sweeper is a no-op.
func (w *Sweeper) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	stop := w.stop
	w.done.Add(1)
	go func() {
		defer w.done.Done()
		w.run(ctx, stop)
	}()
	w.logger.Info("sweeper.start", "interval", w.Interval())
}

// Stop halts the loop and waits for the current cycle to finish.
func (w *Sweeper) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	w.mu.Unlock()
	w.done.Wait()
	w.logger.Info("sweeper.stop")
}

func (w *Sweeper) run(ctx context.Context, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-w.clock.After(w.Interval()):
			w.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single cycle over every live key. A failure on one key is
// logged and counted, and the cycle moves on to the next key.
func (w *Sweeper) SweepOnce(ctx context.Context) SweepResult {
	start := time.Now()
	var (
		res   SweepResult
		last  Stats
		dirty bool
	)
	for _, id := range w.store.liveIDs() {
		if ctx.Err() != nil {
			break
		}
		res.Visited++
		tr, stats, err := w.expireOne(id)
		if err != nil {
			res.Failed++
			w.logger.Warn("sweeper.key.failed", "key", id, "error", err)
			continue
		}
		switch tr {
		case TransitionPurged:
			res.Purged++
		case TransitionReclaimed:
			res.Reclaimed++
		default:
			continue
		}
		last, dirty = stats, true
		w.logger.Info("sweeper.key."+tr.String(), "key", id)
	}
	res.Duration = time.Since(start)
	w.metrics.recordCycle(ctx, res)
	if dirty {
		w.logger.Info("sweeper.cycle",
			"visited", res.Visited,
			"purged", res.Purged,
			"reclaimed", res.Reclaimed,
			"failed", res.Failed,
			"duration", res.Duration,
		)
		logPoolStats(w.logger, last)
	} else if res.Failed > 0 {
		w.logger.Warn("sweeper.cycle", "visited", res.Visited, "failed", res.Failed)
	}
	return res
}

func (w *Sweeper) expireOne(id uint64) (tr Transition, stats Stats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sweeper: panic on key %d: %v", id, r)
		}
	}()
	return w.expireFn(id)
}
