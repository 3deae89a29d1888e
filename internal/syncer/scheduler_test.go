package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jra3/tracker-sync/internal/logging"
)

// slowRunner blocks each cycle until released.
type slowRunner struct {
	started chan struct{}
	release chan struct{}
	cycles  atomic.Int32
}

func newSlowRunner() *slowRunner {
	return &slowRunner{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (r *slowRunner) RunCycle(ctx context.Context) (*CycleReport, error) {
	r.cycles.Add(1)
	r.started <- struct{}{}
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return &CycleReport{Completed: true}, nil
}

type sinkSpy struct {
	mu      sync.Mutex
	reports int
}

func (s *sinkSpy) RecordCycle(report *CycleReport, err error) {
	s.mu.Lock()
	s.reports++
	s.mu.Unlock()
}

func (s *sinkSpy) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reports
}

func TestSchedulerSingleFlight(t *testing.T) {
	runner := newSlowRunner()
	sink := &sinkSpy{}
	s := NewScheduler(runner, sink, 20*time.Millisecond, logging.Nop())

	s.Start(context.Background())
	defer s.Stop()

	// First cycle starts immediately and blocks; several ticks elapse.
	<-runner.started
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), runner.cycles.Load(), "ticks during a running cycle are skipped")

	// Release the cycle; the next tick starts a new one.
	close(runner.release)
	select {
	case <-runner.started:
	case <-time.After(2 * time.Second):
		t.Fatal("no cycle after release")
	}
	assert.GreaterOrEqual(t, runner.cycles.Load(), int32(2))
}

func TestSchedulerReportsToSink(t *testing.T) {
	runner := newSlowRunner()
	close(runner.release) // cycles return immediately
	sink := &sinkSpy{}
	s := NewScheduler(runner, sink, 10*time.Millisecond, logging.Nop())

	s.Start(context.Background())
	time.Sleep(60 * time.Millisecond)
	s.Stop()

	assert.GreaterOrEqual(t, sink.count(), 2)
}

func TestSchedulerStopWaitsForInFlightCycle(t *testing.T) {
	runner := newSlowRunner()
	s := NewScheduler(runner, nil, 50*time.Millisecond, logging.Nop())

	s.Start(context.Background())
	<-runner.started

	stopped := make(chan struct{})
	go func() {
		s.Stop()
		close(stopped)
	}()

	// Stop must not return while the cycle is still inside its grace window.
	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight cycle finished")
	case <-time.After(20 * time.Millisecond):
	}

	close(runner.release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}
	assert.False(t, s.Running())
}

func TestSchedulerStartIsIdempotent(t *testing.T) {
	runner := newSlowRunner()
	close(runner.release)
	s := NewScheduler(runner, nil, time.Hour, logging.Nop())

	ctx := context.Background()
	s.Start(ctx)
	s.Start(ctx) // second start is a no-op

	require.Eventually(t, func() bool {
		return runner.cycles.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
	s.Stop()
}
