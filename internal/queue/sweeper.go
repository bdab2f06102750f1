package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var ErrSweeperRunning = errors.New("sweeper already running")

// Sweeper runs SweepAbandoned on a fixed interval. It can be driven either
// through Start/Stop or by calling Run directly under an errgroup.
type Sweeper struct {
	queue    *Queue
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(q *Queue, interval time.Duration) *Sweeper {
	return &Sweeper{queue: q, interval: interval}
}

// Start launches the sweep loop in a goroutine.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrSweeperRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	return nil
}

// Stop cancels a loop started with Start and waits for the pass in progress
// to finish. Calling Stop on a stopped sweeper is a no-op.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run sweeps once immediately, so leases orphaned by a restart are
// recovered without waiting a full interval, and then on every tick until
// ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper started", "interval", s.interval.String(), "abandoned_age", s.queue.abandonedAge.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.sweepOnce(ctx)

		select {
		case <-ctx.Done():
			slog.Info("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	start := time.Now()
	res, err := s.queue.SweepAbandoned(ctx)
	if err != nil {
		if ctx.Err() == nil {
			slog.Error("sweep failed", "error", err)
		}
		return
	}
	s.queue.recorder.SweepFinished(time.Since(start))

	if res.Requeued > 0 || res.Failed > 0 || res.Errors > 0 {
		slog.Info("sweep finished",
			"scanned", res.Scanned,
			"requeued", res.Requeued,
			"failed", res.Failed,
			"skipped", res.Skipped,
			"errors", res.Errors,
		)
	}

	if counts, err := s.queue.Stats(ctx); err == nil {
		s.queue.recorder.StatusCounts(counts)
	}
}
