package syncer

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CycleRunner is the piece of the engine the scheduler drives; split out so
// scheduler tests can substitute a recording fake.
type CycleRunner interface {
	RunCycle(ctx context.Context) (*CycleReport, error)
}

// ReportSink receives the outcome of every cycle (the health tracker).
type ReportSink interface {
	RecordCycle(report *CycleReport, err error)
}

// Scheduler invokes the engine at a fixed interval with a single-flight
// guarantee: a tick that arrives while a cycle is still running is skipped
// and logged, never queued.
type Scheduler struct {
	runner   CycleRunner
	sink     ReportSink
	interval time.Duration
	log      *zap.SugaredLogger

	stopCh chan struct{}
	doneCh chan struct{}

	mu       sync.Mutex
	running  bool
	inFlight bool
	lastRun  time.Time
}

func NewScheduler(runner CycleRunner, sink ReportSink, interval time.Duration, log *zap.SugaredLogger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Scheduler{
		runner:   runner,
		sink:     sink,
		interval: interval,
		log:      log,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start begins the periodic loop. The first cycle runs immediately.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.run(ctx)
}

// Stop waits for an in-flight cycle up to twice the interval, then cancels
// the remaining work and returns.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	close(s.stopCh)
	select {
	case <-s.doneCh:
	case <-time.After(2 * s.interval):
		s.log.Warnw("shutdown grace deadline exceeded, abandoning in-flight cycle")
	}
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// LastRun returns when the last cycle started.
func (s *Scheduler) LastRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

func (s *Scheduler) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		close(s.doneCh)
	}()

	// After a stop request, give the in-flight cycle up to twice the
	// interval to finish before cancelling its context.
	go func() {
		select {
		case <-s.stopCh:
			grace := time.NewTimer(2 * s.interval)
			defer grace.Stop()
			select {
			case <-s.doneCh:
			case <-grace.C:
				cancel()
			}
		case <-ctx.Done():
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		// A tick that fell due while the last cycle ran is dropped, not
		// run late.
		select {
		case <-ticker.C:
			s.log.Warnw("previous cycle still running, tick skipped")
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.log.Warnw("previous cycle still running, tick skipped")
		return
	}
	s.inFlight = true
	s.lastRun = time.Now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	report, err := s.runner.RunCycle(ctx)
	if err != nil {
		s.log.Errorw("cycle failed", "error", err)
	}
	if s.sink != nil {
		s.sink.RecordCycle(report, err)
	}
}
