// Package syncer drives the multi-phase reconciliation between the Primary
// tracker, the task board, and the git-backed local stores.
//
// A cycle is one end-to-end pass: project discovery, then per project the
// four phases Primary→Board, Board→Primary, Primary→Local, Local→Primary.
// Within one project the phases are strictly sequential; projects may fan
// out when parallelism is enabled. State observed or written is persisted
// to the store so the next cycle detects changes against that baseline.
package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jra3/tracker-sync/internal/board"
	"github.com/jra3/tracker-sync/internal/events"
	"github.com/jra3/tracker-sync/internal/local"
	"github.com/jra3/tracker-sync/internal/primary"
	"github.com/jra3/tracker-sync/internal/store"
	"github.com/jra3/tracker-sync/internal/syncerr"
)

// PrimaryBackend is the capability set the engine needs from the Primary
// tracker adapter.
type PrimaryBackend interface {
	ListProjects(ctx context.Context) ([]primary.Project, error)
	ListIssues(ctx context.Context, projectID string, modifiedAfter int64) ([]primary.Issue, error)
	GetIssue(ctx context.Context, identifier string) (*primary.Issue, error)
	UpdateIssueStatus(ctx context.Context, identifier, status string) error
}

// BoardBackend is the capability set the engine needs from the Board adapter.
type BoardBackend interface {
	ListProjects(ctx context.Context) ([]board.Project, error)
	CreateProject(ctx context.Context, name string, meta map[string]string) (*board.Project, error)
	ListTasks(ctx context.Context, boardProjectID string) ([]board.Task, error)
	CreateTask(ctx context.Context, boardProjectID, title, description, status string) (*board.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID, status string) error
}

// LocalBackend is the capability set the engine needs from the Local CLI
// adapter.
type LocalBackend interface {
	Available(projectPath string) bool
	ListIssues(ctx context.Context, projectPath string) ([]local.Issue, error)
	CreateIssue(ctx context.Context, projectPath, title, issueType string, priority int) (*local.Issue, error)
	CloseIssue(ctx context.Context, projectPath, id string) error
	ReopenIssue(ctx context.Context, projectPath, id string) error
}

// Options tunes one engine instance.
type Options struct {
	Incremental    bool
	DryRun         bool
	SkipEmpty      bool
	Parallel       bool
	MaxWorkers     int
	Projects       []string // allow-list of project identifiers; empty means all
	StacksDir      string
	RequestTimeout time.Duration
	CycleTimeout   time.Duration // defaults to 10x RequestTimeout
}

// CycleReport summarizes one cycle for logging and the health surface.
type CycleReport struct {
	StartedAt    time.Time `json:"startedAt"`
	DurationMs   int64     `json:"durationMs"`
	Phase1Count  int       `json:"phase1Count"`
	Phase2Count  int       `json:"phase2Count"`
	Phase3Count  int       `json:"phase3Count"`
	Errors       int       `json:"errors"`
	Entities     int       `json:"-"`
	Completed    bool      `json:"-"`

	mu sync.Mutex
}

func (r *CycleReport) addPhase(phase int, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch phase {
	case 1:
		r.Phase1Count += n
	case 2:
		r.Phase2Count += n
	default:
		r.Phase3Count += n
	}
}

func (r *CycleReport) addError() {
	r.mu.Lock()
	r.Errors++
	r.mu.Unlock()
}

func (r *CycleReport) addEntities(n int) {
	r.mu.Lock()
	r.Entities += n
	r.mu.Unlock()
}

// Writes returns the total successful writes across phases.
func (r *CycleReport) Writes() int {
	return r.Phase1Count + r.Phase2Count + r.Phase3Count
}

// Engine runs reconciliation cycles. One engine owns the store exclusively.
type Engine struct {
	primary PrimaryBackend
	board   BoardBackend
	local   LocalBackend
	store   *store.Store
	queue   *events.Queue
	log     *zap.SugaredLogger
	opts    Options
	now     func() time.Time

	mu                sync.Mutex
	projectBackoffs   map[string]*projectBackoff
	forbiddenLoggedAt map[string]time.Time
}

// New builds an engine. queue may be nil when no event consumer is wired.
func New(p PrimaryBackend, b BoardBackend, l LocalBackend, st *store.Store, queue *events.Queue, log *zap.SugaredLogger, opts Options) *Engine {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = 10 * opts.RequestTimeout
	}
	if opts.MaxWorkers < 1 {
		opts.MaxWorkers = 1
	}
	return &Engine{
		primary:           p,
		board:             b,
		local:             l,
		store:             st,
		queue:             queue,
		log:               log,
		opts:              opts,
		now:               time.Now,
		projectBackoffs:   make(map[string]*projectBackoff),
		forbiddenLoggedAt: make(map[string]time.Time),
	}
}

// SetClock replaces the engine clock; tests use it to control conflict
// resolution and backoff windows.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// RunCycle performs one full reconciliation cycle.
func (e *Engine) RunCycle(ctx context.Context) (*CycleReport, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.CycleTimeout)
	defer cancel()

	report := &CycleReport{StartedAt: e.now()}
	defer func() {
		report.DurationMs = e.now().Sub(report.StartedAt).Milliseconds()
	}()

	projects, err := e.discoverProjects(ctx, report)
	if err != nil {
		return report, err
	}

	if e.opts.Parallel {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(e.opts.MaxWorkers)
		for _, proj := range projects {
			g.Go(func() error {
				e.syncProject(gctx, proj, report)
				return nil
			})
		}
		_ = g.Wait() // workers never return errors; failures are per-project
	} else {
		for _, proj := range projects {
			e.syncProject(ctx, proj, report)
		}
	}

	report.Completed = true
	if !e.opts.DryRun {
		if err := e.store.Queries().SetMetadata(ctx, "last_sync",
			strconv.FormatInt(e.now().UnixMilli(), 10)); err != nil {
			e.log.Warnw("last_sync metadata not recorded", "error", err)
		}
	}

	e.log.Infow("cycle complete",
		"duration_ms", e.now().Sub(report.StartedAt).Milliseconds(),
		"phase1", report.Phase1Count,
		"phase2", report.Phase2Count,
		"phase3", report.Phase3Count,
		"errors", report.Errors,
	)
	return report, nil
}

// discoverProjects runs the cycle entry: fetch Primary projects, persist
// rows, filter the active set, and ensure every active project has a board.
func (e *Engine) discoverProjects(ctx context.Context, report *CycleReport) ([]store.Project, error) {
	primaryProjects, err := e.primary.ListProjects(ctx)
	if err != nil {
		return nil, syncerr.E(syncerr.KindFatal, "cycle.discover", fmt.Errorf("list primary projects: %w", err))
	}

	boardProjects, err := e.board.ListProjects(ctx)
	if err != nil {
		return nil, syncerr.E(syncerr.KindFatal, "cycle.discover", fmt.Errorf("list board projects: %w", err))
	}
	boardByName := make(map[string]string, len(boardProjects))
	for _, bp := range boardProjects {
		boardByName[bp.Name] = bp.ID
	}

	allowed := make(map[string]bool, len(e.opts.Projects))
	for _, id := range e.opts.Projects {
		allowed[id] = true
	}

	q := e.store.Queries()
	var active []store.Project
	for _, pp := range primaryProjects {
		if len(allowed) > 0 && !allowed[pp.Identifier] {
			continue
		}

		existing, err := q.GetProject(ctx, pp.Identifier)
		if err != nil {
			report.addError()
			e.log.Errorw("project lookup failed", "project", pp.Identifier, "error", err)
			continue
		}

		row := store.Project{
			Identifier:    pp.Identifier,
			Name:          pp.Name,
			PrimaryID:     &pp.ID,
			LastCheckedAt: e.now().UTC(),
		}
		if path := e.stackPath(pp.Identifier); path != "" {
			row.FilesystemPath = &path
		}

		if !e.opts.DryRun {
			if err := q.UpsertProject(ctx, row); err != nil {
				report.addError()
				e.log.Errorw("project upsert failed", "project", pp.Identifier, "error", err)
				continue
			}
			if existing == nil {
				e.publish(events.Event{Type: events.ProjectCreated, Project: pp.Identifier, At: e.now()})
			}
		}

		stored, err := q.GetProject(ctx, pp.Identifier)
		if err != nil || stored == nil {
			// Dry-run against an empty store: synthesize the row in memory.
			stored = &row
		}

		if e.inBackoff(pp.Identifier) {
			e.log.Warnw("project in backoff window, skipped", "project", pp.Identifier)
			continue
		}

		if stored.BoardID == nil {
			boardID, err := e.ensureBoardProject(ctx, *stored, boardByName)
			if err != nil {
				report.addError()
				e.recordProjectFailure(pp.Identifier)
				e.logAdapterError("ensure board project", pp.Identifier, err)
				continue
			}
			stored.BoardID = &boardID
			if !e.opts.DryRun {
				if err := q.UpsertProject(ctx, *stored); err != nil {
					report.addError()
					e.log.Errorw("board id not persisted", "project", pp.Identifier, "error", err)
					continue
				}
			}
		}

		active = append(active, *stored)
	}
	return active, nil
}

// ensureBoardProject matches a board project by name or creates one.
func (e *Engine) ensureBoardProject(ctx context.Context, proj store.Project, boardByName map[string]string) (string, error) {
	if id, ok := boardByName[proj.Name]; ok {
		e.log.Infow("board project matched by name", "project", proj.Identifier, "board_project", id)
		return id, nil
	}
	if e.opts.DryRun {
		e.log.Infow("would create board project", "project", proj.Identifier, "outcome", "dry-run")
		return "dry-run", nil
	}
	created, err := e.board.CreateProject(ctx, proj.Name, map[string]string{"identifier": proj.Identifier})
	if err != nil {
		return "", err
	}
	e.log.Infow("board project created", "project", proj.Identifier, "board_project", created.ID)
	return created.ID, nil
}

// stackPath resolves a project's checkout under the stacks directory, or ""
// when the checkout is absent or hosts no local store.
func (e *Engine) stackPath(identifier string) string {
	if e.opts.StacksDir == "" {
		return ""
	}
	path := filepath.Join(e.opts.StacksDir, identifier)
	if !e.local.Available(path) {
		return ""
	}
	return path
}

func (e *Engine) publish(ev events.Event) {
	if e.queue != nil {
		e.queue.Publish(ev)
	}
}

// logAdapterError routes an adapter failure to the right log policy for its
// kind. Forbidden errors are throttled to once per project per hour.
func (e *Engine) logAdapterError(msg, project string, err error) {
	kind := syncerr.KindOf(err)
	if kind == syncerr.KindForbidden {
		e.mu.Lock()
		last, ok := e.forbiddenLoggedAt[project]
		throttled := ok && e.now().Sub(last) < time.Hour
		if !throttled {
			e.forbiddenLoggedAt[project] = e.now()
		}
		e.mu.Unlock()
		if throttled {
			return
		}
	}
	e.log.Errorw(msg, "project", project, "kind", kind.String(), "error", err)
}
