// Package archive runs the periodic sweep that hides entries nobody has
// touched for a while.
package archive

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/memex/internal/entry"
)

const (
	DefaultThreshold = 90 * 24 * time.Hour
	DefaultInterval  = 24 * time.Hour
)

// ErrAlreadyStarted is returned by Start on a running archiver.
var ErrAlreadyStarted = errors.New("archiver already started")

// Sweeper archives stale entries in both stores.
type Sweeper interface {
	Sweep(ctx context.Context, threshold time.Duration) (entry.SweepResult, error)
}

// Recorder persists the time of the last successful sweep.
type Recorder interface {
	RecordSweep(ctx context.Context, at time.Time) error
	LastSweep(ctx context.Context) (time.Time, bool, error)
}

type Options struct {
	Threshold time.Duration
	Interval  time.Duration
	Now       func() time.Time
	Logger    *slog.Logger
}

// Archiver owns the sweep schedule. The zero value is not usable; call New.
type Archiver struct {
	sweeper  Sweeper
	recorder Recorder
	opts     Options
	logger   *slog.Logger

	group singleflight.Group

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an Archiver. Zero options fall back to a 90 day threshold and a
// daily interval.
func New(sweeper Sweeper, recorder Recorder, opts Options) *Archiver {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		sweeper:  sweeper,
		recorder: recorder,
		opts:     opts,
		logger:   logger.With("component", "archiver"),
	}
}

// Start runs one sweep before returning and then sweeps on every interval
// until Stop is called or ctx is cancelled. A failed first sweep is logged,
// not returned.
func (a *Archiver) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return ErrAlreadyStarted
	}
	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.cancel, a.done = cancel, done
	a.mu.Unlock()

	a.runLogged(loopCtx, "initial")

	go a.loop(loopCtx, done)

	a.logger.Info("archiver started", "threshold", a.opts.Threshold, "interval", a.opts.Interval)
	return nil
}

func (a *Archiver) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.runLogged(ctx, "scheduled")
		}
	}
}

func (a *Archiver) runLogged(ctx context.Context, trigger string) {
	res, err := a.RunOnce(ctx)
	if err != nil {
		a.logger.Error("sweep failed", "trigger", trigger, "error", err)
		return
	}
	a.logger.Info("sweep finished", "trigger", trigger, "primary", res.Primary, "mirror", res.Mirror)
}

// Stop cancels the schedule and waits for the loop to exit. Calling Stop on
// an archiver that is not running does nothing.
func (a *Archiver) Stop() {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	a.logger.Info("archiver stopped")
}

// RunOnce sweeps now. Concurrent calls share a single sweep and its result.
// The sweep time is recorded only when the sweep succeeds.
func (a *Archiver) RunOnce(ctx context.Context) (entry.SweepResult, error) {
	v, err, _ := a.group.Do("sweep", func() (any, error) {
		started := a.opts.Now()
		res, err := a.sweeper.Sweep(ctx, a.opts.Threshold)
		if err != nil {
			return res, err
		}
		if err := a.recorder.RecordSweep(ctx, started); err != nil {
			a.logger.Warn("failed to record sweep time", "error", err)
		}
		return res, nil
	})
	res, _ := v.(entry.SweepResult)
	return res, err
}

// LastRun returns when the last successful sweep started.
func (a *Archiver) LastRun(ctx context.Context) (time.Time, bool, error) {
	return a.recorder.LastSweep(ctx)
}
