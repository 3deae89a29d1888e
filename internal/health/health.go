// Package health exposes liveness and last-cycle status over HTTP.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jra3/tracker-sync/internal/syncer"
)

// Status is the daemon's coarse health classification.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// errorRateThreshold degrades health when at least this share of a cycle's
// entities failed.
const errorRateThreshold = 0.05

// zeroWriteCycleLimit marks the daemon unhealthy when this many consecutive
// completed cycles performed no successful write while reporting errors.
const zeroWriteCycleLimit = 3

// Tracker aggregates cycle reports into a health status.
type Tracker struct {
	mu              sync.RWMutex
	last            *syncer.CycleReport
	lastErr         error
	zeroWriteCycles int
}

func NewTracker() *Tracker {
	return &Tracker{}
}

// RecordCycle ingests the outcome of one cycle.
func (t *Tracker) RecordCycle(report *syncer.CycleReport, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last = report
	t.lastErr = err

	if report != nil && report.Completed && report.Writes() == 0 && report.Errors > 0 {
		t.zeroWriteCycles++
	} else {
		t.zeroWriteCycles = 0
	}
}

// Status derives the current health classification.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.statusLocked()
}

type response struct {
	Status    Status              `json:"status"`
	LastCycle *syncer.CycleReport `json:"lastCycle,omitempty"`
}

// Handler serves GET /health.
func (t *Tracker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		t.mu.RLock()
		resp := response{Status: t.statusLocked(), LastCycle: t.last}
		t.mu.RUnlock()

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	})
	return mux
}

// statusLocked computes the classification; callers hold the read lock.
//
// unhealthy: no completed cycle yet, the last cycle failed, or too many
// consecutive completed cycles wrote nothing while erroring.
// degraded: the last cycle completed but its entity error rate crossed the
// threshold.
func (t *Tracker) statusLocked() Status {
	if t.last == nil || !t.last.Completed || t.lastErr != nil {
		return StatusUnhealthy
	}
	if t.zeroWriteCycles >= zeroWriteCycleLimit {
		return StatusUnhealthy
	}
	if t.last.Errors > 0 {
		if t.last.Entities == 0 {
			return StatusDegraded
		}
		if float64(t.last.Errors)/float64(t.last.Entities) >= errorRateThreshold {
			return StatusDegraded
		}
	}
	return StatusHealthy
}

// Server runs the health endpoint on its own listener.
type Server struct {
	srv *http.Server
	log *zap.SugaredLogger
}

func NewServer(tracker *Tracker, port int, log *zap.SugaredLogger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           tracker.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("health listener: %w", err)
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Errorw("health server stopped", "error", err)
		}
	}()
	s.log.Infow("health endpoint listening", "addr", s.srv.Addr)
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
