package policysync

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the background sync interval when none is given.
const DefaultInterval = 15 * time.Minute

// Scheduler runs SyncFromNetwork for a set of collections periodically.
type Scheduler struct {
	syncers  []*Syncer
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler. A non-positive interval uses DefaultInterval.
func NewScheduler(interval time.Duration, logger *slog.Logger, syncers ...*Syncer) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		syncers:  syncers,
		interval: interval,
		logger:   logger.With("component", "scheduler"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins background syncs, running the first one immediately.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped || s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	s.logger.Info("starting background sync", "interval", s.interval, "collections", len(s.syncers))
	go s.run(ctx)
	return nil
}

// Stop stops background syncs and waits for an in-progress run to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce syncs every collection sequentially and returns the results.
func (s *Scheduler) RunOnce(ctx context.Context) []Result {
	results := make([]Result, 0, len(s.syncers))
	for _, syncer := range s.syncers {
		if ctx.Err() != nil {
			break
		}
		results = append(results, syncer.SyncFromNetwork(ctx))
	}
	return results
}
