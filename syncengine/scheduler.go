/*
scheduler.go - Periodic queue draining

PURPOSE:
  Offline writes pile up in per-user queues while the remote is down. The
  scheduler wakes on a fixed interval and replays every non-empty queue
  through Engine.ProcessAllQueues.

DESIGN:
  - One background goroutine, ticker driven
  - Runs once immediately on Start
  - Stop cancels an in-flight drain and waits for it to return
  - Only this goroutine drains queues, so ProcessQueue never runs twice
    for the same user

USAGE:
  s := syncengine.NewScheduler(engine, logger)
  s.Interval = 30 * time.Second
  s.Start()
  defer s.Stop()
*/
package syncengine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const DefaultQueueInterval = 30 * time.Second

type Scheduler struct {
	Engine   *Engine
	Interval time.Duration
	Enabled  bool

	logger *zap.Logger
	ticker *time.Ticker
	cancel context.CancelFunc
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
	runMu  sync.Mutex
	lastAt time.Time
}

func NewScheduler(engine *Engine, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Engine:   engine,
		Interval: DefaultQueueInterval,
		Enabled:  true,
		logger:   logger.Named("scheduler"),
	}
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.logger.Info("disabled, not starting")
		return
	}
	if s.ticker != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.stop = make(chan struct{})
	s.ticker = time.NewTicker(s.Interval)
	s.wg.Add(1)

	go s.run(ctx)

	s.logger.Info("started", zap.Duration("interval", s.Interval))
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	s.cancel()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.logger.Info("stopped")
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	s.drain(ctx)

	for {
		select {
		case <-s.ticker.C:
			s.drain(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.lastAt = time.Now()
	results := s.Engine.ProcessAllQueues(ctx)

	var processed, failed, dropped, remaining int
	for _, r := range results {
		processed += r.Processed
		failed += r.Failed
		dropped += r.Dropped
		remaining += r.Remaining
	}
	if len(results) > 0 {
		s.logger.Info("queues drained",
			zap.Int("users", len(results)),
			zap.Int("processed", processed),
			zap.Int("failed", failed),
			zap.Int("dropped", dropped),
			zap.Int("remaining", remaining),
		)
	}
}

// RunNow drains immediately on the caller's goroutine. It waits for an
// in-flight scheduled drain to finish first.
func (s *Scheduler) RunNow(ctx context.Context) []QueueResult {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.lastAt = time.Now()
	return s.Engine.ProcessAllQueues(ctx)
}

// GetNextRunTime returns when the next scheduled drain will occur.
func (s *Scheduler) GetNextRunTime() time.Time {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.lastAt.IsZero() {
		return time.Now()
	}
	return s.lastAt.Add(s.Interval)
}
