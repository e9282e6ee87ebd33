// Package scheduler periodically re-adopts runs that were left Running by a
// process that stopped driving them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/healflow/internal/store"
)

// ErrSweepInProgress is returned by Sweep while another sweep is running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Recoverer resumes every active run not driven by this process.
// Satisfied by *engine.Engine.
type Recoverer interface {
	RecoverActive(ctx context.Context) ([]*store.RunState, error)
}

// Sweeper calls RecoverActive on a cron schedule. Sweeps never overlap: a
// tick that fires while the previous sweep is still driving runs is skipped.
type Sweeper struct {
	rec      Recoverer
	spec     string
	schedule cron.Schedule
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	running atomic.Bool
	wg      sync.WaitGroup
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// NewSweeper creates a Sweeper. spec is a five-field cron expression or a
// descriptor such as "@every 30s".
func NewSweeper(rec Recoverer, spec string, logger *slog.Logger) (*Sweeper, error) {
	schedule, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", spec, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		rec:      rec,
		spec:     spec,
		schedule: schedule,
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
	}, nil
}

// NextRun returns the first scheduled sweep after from.
func (s *Sweeper) NextRun(from time.Time) time.Time {
	return s.schedule.Next(from)
}

// Start launches the background loop. The first sweep runs immediately.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already started")
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(loopCtx)
	s.logger.Info("sweeper started", "schedule", s.spec)
	return nil
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	s.tick(ctx)
	for {
		wait := s.NextRun(s.now()).Sub(s.now())
		timer := time.NewTimer(max(wait, 0))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			s.tick(ctx)
		}
	}
}

// tick starts a sweep in the background so a long recovery does not delay
// the schedule.
func (s *Sweeper) tick(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
			s.logger.Error("sweep failed", "error", err)
		} else if errors.Is(err, ErrSweepInProgress) {
			s.logger.Debug("sweep skipped, previous sweep still running")
		}
	}()
}

// Sweep runs one recovery pass and returns the number of runs resumed.
// Per-run failures are returned joined; the resumed count still counts the
// runs that succeeded.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrSweepInProgress
	}
	defer s.running.Store(false)

	start := s.now()
	runs, err := s.rec.RecoverActive(ctx)
	if len(runs) > 0 || err != nil {
		s.logger.Info("sweep finished",
			slog.Int("resumed", len(runs)),
			slog.Duration("elapsed", s.now().Sub(start)),
			slog.Bool("errors", err != nil),
		)
	}
	return len(runs), err
}

// Stop cancels the loop and waits for any sweep in flight. Runs interrupted
// by the cancellation are left Running for the next sweep to pick up.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}

	s.cancel()
	<-s.done
	s.wg.Wait()
	s.cancel = nil
	s.done = nil

	s.logger.Info("sweeper stopped")
}
