package syncer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	// hysteresis is the minimum timestamp spread before the newer side is
	// trusted to win a conflict.
	hysteresis = time.Second
	// boardFreshness bounds how old a Board timestamp may be before it is
	// treated as unknown. The Board does not always advance updated_at on
	// status-only edits, so an old value proves nothing about the edit
	// being resolved.
	boardFreshness = 24 * time.Hour
)

// resolveConflict decides the winner when both sides changed since the
// baseline. It returns true when Primary wins, plus the reason for the
// decision log line.
//
// Policy: if both timestamps are present and at least one second apart, the
// newer side wins. A missing or stale Board timestamp, or a spread inside
// the hysteresis window, resolves in Primary's favor — the Board's
// timestamp is known to be unreliable, so doubt is biased toward Primary.
func (e *Engine) resolveConflict(primaryModified int64, boardModified *int64) (primaryWins bool, reason string) {
	if boardModified == nil {
		return true, "board-timestamp-missing"
	}
	spread := primaryModified - *boardModified
	if spread < 0 {
		spread = -spread
	}
	if time.Duration(spread)*time.Millisecond >= hysteresis {
		if primaryModified > *boardModified {
			return true, "primary-newer"
		}
		if e.now().UnixMilli()-*boardModified >= boardFreshness.Milliseconds() {
			return true, "board-timestamp-stale"
		}
		return false, "board-newer"
	}
	return true, "within-hysteresis"
}

// projectBackoff tracks consecutive failed cycles for one project and the
// resulting retry window. Three consecutive failures start the ladder
// (1m, 5m, 15m); a successful cycle resets it.
type projectBackoff struct {
	failures int
	retryAt  time.Time
	ladder   backoff.BackOff
}

const backoffThreshold = 3

func newProjectBackoff() *projectBackoff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Minute
	bo.Multiplier = 5
	bo.MaxInterval = 15 * time.Minute
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0
	bo.Reset()
	return &projectBackoff{ladder: bo}
}

// inBackoff reports whether a project is still inside its retry window.
func (e *Engine) inBackoff(project string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.projectBackoffs[project]
	return ok && e.now().Before(pb.retryAt)
}

// recordProjectFailure counts one failed cycle for a project and extends
// its retry window once the threshold is crossed.
func (e *Engine) recordProjectFailure(project string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	pb, ok := e.projectBackoffs[project]
	if !ok {
		pb = newProjectBackoff()
		e.projectBackoffs[project] = pb
	}
	pb.failures++
	if pb.failures >= backoffThreshold {
		wait := pb.ladder.NextBackOff()
		pb.retryAt = e.now().Add(wait)
		e.log.Warnw("project backing off after consecutive failures",
			"project", project, "failures", pb.failures, "retry_in", wait.String())
	}
}

// recordProjectSuccess resets a project's failure ladder.
func (e *Engine) recordProjectSuccess(project string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if pb, ok := e.projectBackoffs[project]; ok && pb.failures > 0 {
		delete(e.projectBackoffs, project)
	}
}
