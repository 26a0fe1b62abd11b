// Package janitor runs a sweep on a fixed interval. Sweeps never overlap:
// a tick that finds the previous sweep still running is skipped.
package janitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/islandhouse2000/islandHouse/pkg/logging"
)

var (
	ErrAlreadyRunning = errors.New("janitor is already running")
	ErrNotRunning     = errors.New("janitor is not running")
	ErrNilSweep       = errors.New("janitor requires a sweep function")
)

// SweepFunc removes stale state and reports how many items it removed.
type SweepFunc func(ctx context.Context) (int, error)

// Janitor schedules a SweepFunc.
type Janitor struct {
	interval time.Duration
	sweep    SweepFunc
	logger   *slog.Logger

	sweeping atomic.Bool
	kick     chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	skipped atomic.Int64
}

// New creates a janitor. A non-positive interval selects 30s.
func New(interval time.Duration, sweep SweepFunc, logger *slog.Logger) (*Janitor, error) {
	if sweep == nil {
		return nil, ErrNilSweep
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{
		interval: interval,
		sweep:    sweep,
		logger:   logging.OrDefault(logger).With(slog.String("component", "janitor")),
		kick:     make(chan struct{}, 1),
	}, nil
}

// Start runs the schedule until Stop is called or ctx is done.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel != nil {
		return ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})

	go j.loop(ctx, j.done)
	return nil
}

// Stop ends the schedule and waits for it to exit. A sweep in progress is
// allowed to finish.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	cancel, done := j.cancel, j.done
	j.cancel, j.done = nil, nil
	j.mu.Unlock()

	if cancel == nil {
		return ErrNotRunning
	}

	cancel()
	<-done
	return nil
}

func (j *Janitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ticker.C:
		case <-j.kick:
		case <-ctx.Done():
			return
		}

		// overlapping ticks are skipped inside RunOnce
		wg.Add(1)
		go func() {
			defer wg.Done()
			j.RunOnce(ctx)
		}()
	}
}

// Trigger asks the schedule for a sweep without waiting for it. Requests
// made while one is already pending are merged.
func (j *Janitor) Trigger() {
	select {
	case j.kick <- struct{}{}:
	default:
	}
}

// RunOnce performs one sweep unless one is already running. It reports
// whether a sweep ran and how many items it removed. Errors and panics are
// logged and never escape.
func (j *Janitor) RunOnce(ctx context.Context) (ran bool, removed int) {
	if !j.sweeping.CompareAndSwap(false, true) {
		j.skipped.Add(1)
		j.logger.Debug("sweep still running, skipping tick")
		return false, 0
	}
	defer j.sweeping.Store(false)

	defer func() {
		if p := recover(); p != nil {
			j.logger.Error("sweep panicked", slog.Any("panic", p))
			ran, removed = true, 0
		}
	}()

	start := time.Now()
	removed, err := j.sweep(ctx)
	if err != nil {
		j.logger.Error("sweep failed", logging.Err(err))
		return true, removed
	}

	if removed > 0 {
		j.logger.Info("sweep removed stale entries", slog.Int("removed", removed), slog.Duration("took", time.Since(start)))
	}
	return true, removed
}

// Skipped reports how many ticks were skipped because a sweep overlapped.
func (j *Janitor) Skipped() int64 {
	return j.skipped.Load()
}
