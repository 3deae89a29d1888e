package syncer

import (
	"context"
	"fmt"
	"strconv"

	"github.com/jra3/tracker-sync/internal/board"
	"github.com/jra3/tracker-sync/internal/events"
	"github.com/jra3/tracker-sync/internal/fieldmap"
	"github.com/jra3/tracker-sync/internal/local"
	"github.com/jra3/tracker-sync/internal/primary"
	"github.com/jra3/tracker-sync/internal/store"
	"github.com/jra3/tracker-sync/internal/syncerr"
)

// projectSync carries the per-project, per-cycle working state. The
// recentlyUpdated set suppresses echo writes: later phases never react to a
// change an earlier phase of this cycle just wrote.
type projectSync struct {
	engine  *Engine
	proj    store.Project
	report  *CycleReport
	recent  map[string]struct{}
	issues  []primary.Issue          // Phase 1 listing
	byIdent map[string]primary.Issue // identifier -> issue
	tasks   []board.Task             // Board listing shared by Phases 1 and 2
}

func (e *Engine) syncProject(ctx context.Context, proj store.Project, report *CycleReport) {
	ps := &projectSync{
		engine: e,
		proj:   proj,
		report: report,
		recent: make(map[string]struct{}),
	}

	if err := ps.run(ctx); err != nil {
		report.addError()
		e.recordProjectFailure(proj.Identifier)
		e.logAdapterError("project sync failed", proj.Identifier, err)
		return
	}
	e.recordProjectSuccess(proj.Identifier)
}

func (ps *projectSync) run(ctx context.Context) error {
	e := ps.engine

	if err := ps.fetchPrimaryIssues(ctx); err != nil {
		return err
	}
	if e.opts.SkipEmpty && len(ps.issues) == 0 {
		e.log.Debugw("project has no issues, skipped", "project", ps.proj.Identifier)
		return nil
	}

	if err := ps.phaseOne(ctx); err != nil {
		return err
	}
	ps.phaseTwo(ctx)

	if path := ps.localPath(); path != "" {
		localIssues, err := e.local.ListIssues(ctx, path)
		if err != nil {
			return err
		}
		ps.phaseThreeA(ctx, path, localIssues)
		ps.phaseThreeB(ctx, localIssues)
	}
	return nil
}

func (ps *projectSync) localPath() string {
	if ps.proj.FilesystemPath == nil {
		return ""
	}
	if !ps.engine.local.Available(*ps.proj.FilesystemPath) {
		return ""
	}
	return *ps.proj.FilesystemPath
}

func (ps *projectSync) fetchPrimaryIssues(ctx context.Context) error {
	e := ps.engine

	var watermark int64
	if e.opts.Incremental {
		raw, err := e.store.Queries().GetMetadata(ctx, watermarkKey(ps.proj.Identifier))
		if err != nil {
			return syncerr.E(syncerr.KindFatal, "store.GetMetadata", err)
		}
		if raw != "" {
			watermark, _ = strconv.ParseInt(raw, 10, 64)
		}
	}

	primaryID := ps.proj.Identifier
	if ps.proj.PrimaryID != nil {
		primaryID = *ps.proj.PrimaryID
	}
	issues, err := e.primary.ListIssues(ctx, primaryID, watermark)
	if err != nil {
		return err
	}
	ps.issues = issues
	ps.byIdent = make(map[string]primary.Issue, len(issues))
	for _, iss := range issues {
		ps.byIdent[iss.Identifier] = iss
	}
	return nil
}

func watermarkKey(project string) string {
	return "watermark:" + project
}

// =============================================================================
// Phase 1 — Primary → Board
// =============================================================================

func (ps *projectSync) phaseOne(ctx context.Context) error {
	e := ps.engine

	boardID := ""
	if ps.proj.BoardID != nil {
		boardID = *ps.proj.BoardID
	}
	tasks, err := e.board.ListTasks(ctx, boardID)
	if err != nil {
		return err
	}
	ps.tasks = tasks

	tasksByID := make(map[string]board.Task, len(tasks))
	tasksByTitle := make(map[string]board.Task, len(tasks))
	for _, t := range tasks {
		tasksByID[t.ID] = t
		tasksByTitle[t.Title] = t
	}

	ps.report.addEntities(len(ps.issues))
	var maxModified int64

	for _, p := range ps.issues {
		if p.ModifiedOn > maxModified {
			maxModified = p.ModifiedOn
		}
		if err := ps.syncIssueToBoard(ctx, p, boardID, tasksByID, tasksByTitle); err != nil {
			if syncerr.IsFatal(err) {
				return err
			}
			ps.report.addError()
			ps.entityError(1, p.Identifier, err)
		}
	}

	if e.opts.Incremental && maxModified > 0 && !e.opts.DryRun {
		if err := e.store.Queries().SetMetadata(ctx,
			watermarkKey(ps.proj.Identifier), strconv.FormatInt(maxModified, 10)); err != nil {
			return syncerr.E(syncerr.KindFatal, "store.SetMetadata", err)
		}
	}
	return nil
}

func (ps *projectSync) syncIssueToBoard(ctx context.Context, p primary.Issue, boardID string, byID, byTitle map[string]board.Task) error {
	e := ps.engine
	q := e.store.Queries()

	status, err := fieldmap.ParsePrimaryStatus(p.Status)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, "phase1."+p.Identifier, err)
	}

	s, err := q.GetIssue(ctx, ps.proj.Identifier, p.Identifier)
	if err != nil {
		return syncerr.E(syncerr.KindFatal, "store.GetIssue", err)
	}

	// Resolve the board task: the stored mapping first, a one-shot title
	// match as bootstrap for tasks that predate this daemon.
	var task *board.Task
	if s != nil && s.BoardTaskID != nil {
		if t, ok := byID[*s.BoardTaskID]; ok {
			task = &t
		} else if !e.opts.DryRun {
			// The mapped task vanished from the board. Drop the mapping so
			// the create path below can assign a fresh one.
			e.log.Warnw("mapped board task gone",
				"phase", 1, "project", ps.proj.Identifier, "issue", p.Identifier,
				"board_task", *s.BoardTaskID)
			if err := q.ClearIssueBoardMapping(ctx, ps.proj.Identifier, p.Identifier); err != nil {
				return syncerr.E(syncerr.KindFatal, "store.ClearIssueBoardMapping", err)
			}
		}
	}
	if task == nil {
		if t, ok := byTitle[p.Title]; ok {
			task = &t
		}
	}

	if task == nil {
		return ps.createBoardTask(ctx, p, status, boardID)
	}

	boardStatus, err := fieldmap.ParseBoardStatus(task.Status)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, "phase1."+p.Identifier, err)
	}

	primaryChanged := s == nil || p.Status != s.Status
	boardChanged := s != nil && s.BoardStatus != nil && task.Status != *s.BoardStatus

	wantBoard, err := fieldmap.PrimaryToBoard(status)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, "phase1."+p.Identifier, err)
	}

	switch {
	case primaryChanged && !boardChanged:
		if wantBoard != boardStatus {
			if err := ps.writeBoardStatus(ctx, p, task.ID, string(wantBoard), task.Status, "primary-changed"); err != nil {
				return err
			}
			task.Status = string(wantBoard)
		}
	case primaryChanged && boardChanged:
		wins, reason := e.resolveConflict(p.ModifiedOn, task.UpdatedMillis())
		e.log.Infow("conflict resolved",
			"phase", 1, "project", ps.proj.Identifier, "issue", p.Identifier,
			"primary_status", p.Status, "board_status", task.Status,
			"primary_modified", p.ModifiedOn, "board_modified", task.UpdatedMillis(),
			"winner", winnerName(wins), "reason", reason)
		if wins && wantBoard != boardStatus {
			if err := ps.writeBoardStatus(ctx, p, task.ID, string(wantBoard), task.Status, "conflict-primary-wins"); err != nil {
				return err
			}
			task.Status = string(wantBoard)
		}
		// Board wins: leave the task alone; Phase 2 pushes it back.
	default:
		// Board-only changes are Phase 2's job; neither side changing is a
		// no-op.
	}

	if e.opts.DryRun {
		return nil
	}
	modifiedOn := p.ModifiedOn
	row := store.Issue{
		ProjectIdentifier: ps.proj.Identifier,
		Identifier:        p.Identifier,
		Title:             p.Title,
		Status:            p.Status,
		BoardStatus:       &task.Status,
		BoardTaskID:       &task.ID,
		PrimaryModifiedAt: &modifiedOn,
		BoardModifiedAt:   task.UpdatedMillis(),
		LastSyncAt:        store.Now(),
	}
	if err := q.UpsertIssue(ctx, row); err != nil {
		return syncerr.E(syncerr.KindFatal, "store.UpsertIssue", err)
	}
	return nil
}

func (ps *projectSync) createBoardTask(ctx context.Context, p primary.Issue, status fieldmap.PrimaryStatus, boardID string) error {
	e := ps.engine

	mapped, err := fieldmap.PrimaryToBoard(status)
	if err != nil {
		return syncerr.E(syncerr.KindMalformed, "phase1."+p.Identifier, err)
	}

	e.log.Infow("board task create",
		"phase", 1, "project", ps.proj.Identifier, "issue", p.Identifier,
		"status", p.Status, "board_status", mapped, "outcome", ps.outcome())
	if e.opts.DryRun {
		ps.report.addPhase(1, 1)
		return nil
	}

	// One-shot one-way description copy at create time.
	created, err := e.board.CreateTask(ctx, boardID, p.Title, p.Description, string(mapped))
	if err != nil {
		return err
	}

	modifiedOn := p.ModifiedOn
	boardStatus := string(mapped)
	row := store.Issue{
		ProjectIdentifier: ps.proj.Identifier,
		Identifier:        p.Identifier,
		Title:             p.Title,
		Status:            p.Status,
		BoardStatus:       &boardStatus,
		BoardTaskID:       &created.ID,
		PrimaryModifiedAt: &modifiedOn,
		LastSyncAt:        store.Now(),
	}
	if err := e.store.Queries().UpsertIssue(ctx, row); err != nil {
		return syncerr.E(syncerr.KindFatal, "store.UpsertIssue", err)
	}
	ps.recent[p.Identifier] = struct{}{}
	ps.report.addPhase(1, 1)
	e.publish(events.Event{Type: events.IssueChanged, Project: ps.proj.Identifier, Identifier: p.Identifier, At: e.now()})
	return nil
}

func (ps *projectSync) writeBoardStatus(ctx context.Context, p primary.Issue, taskID, want, before, cause string) error {
	e := ps.engine

	e.log.Infow("board status update",
		"phase", 1, "project", ps.proj.Identifier, "issue", p.Identifier,
		"before", before, "after", want, "cause", cause,
		"primary_modified", p.ModifiedOn, "outcome", ps.outcome())
	if e.opts.DryRun {
		ps.report.addPhase(1, 1)
		return nil
	}

	if err := e.board.UpdateTaskStatus(ctx, taskID, want); err != nil {
		if syncerr.KindOf(err) == syncerr.KindNotFound {
			// The task is gone; drop the mapping so the next cycle recreates it.
			if clearErr := e.store.Queries().ClearIssueBoardMapping(ctx, ps.proj.Identifier, p.Identifier); clearErr != nil {
				return syncerr.E(syncerr.KindFatal, "store.ClearIssueBoardMapping", clearErr)
			}
		}
		return err
	}
	ps.recent[p.Identifier] = struct{}{}
	ps.report.addPhase(1, 1)
	e.publish(events.Event{Type: events.IssueChanged, Project: ps.proj.Identifier, Identifier: p.Identifier, At: e.now()})
	return nil
}

// =============================================================================
// Phase 2 — Board → Primary
// =============================================================================

func (ps *projectSync) phaseTwo(ctx context.Context) {
	e := ps.engine
	q := e.store.Queries()
	ps.report.addEntities(len(ps.tasks))

	for _, task := range ps.tasks {
		s, err := ps.resolveTask(ctx, task)
		if err != nil {
			ps.report.addError()
			ps.entityError(2, task.ID, err)
			continue
		}
		if s == nil {
			continue // unresolvable task: not ours to sync
		}
		if _, justWrote := ps.recent[s.Identifier]; justWrote {
			continue
		}

		boardStatus, err := fieldmap.ParseBoardStatus(task.Status)
		if err != nil {
			ps.report.addError()
			ps.entityError(2, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase2."+s.Identifier, err))
			continue
		}
		current, err := fieldmap.ParsePrimaryStatus(s.Status)
		if err != nil {
			ps.report.addError()
			ps.entityError(2, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase2."+s.Identifier, err))
			continue
		}

		mapped, err := fieldmap.BoardToPrimary(boardStatus, current)
		if err != nil {
			ps.report.addError()
			ps.entityError(2, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase2."+s.Identifier, err))
			continue
		}
		if mapped == current {
			continue
		}

		e.log.Infow("primary status update",
			"phase", 2, "project", ps.proj.Identifier, "issue", s.Identifier,
			"before", s.Status, "after", mapped, "board_status", task.Status,
			"board_modified", task.UpdatedMillis(), "outcome", ps.outcome())
		if e.opts.DryRun {
			ps.report.addPhase(2, 1)
			continue
		}

		if err := e.primary.UpdateIssueStatus(ctx, s.Identifier, string(mapped)); err != nil {
			ps.report.addError()
			ps.entityError(2, s.Identifier, err)
			continue
		}

		nowMs := e.now().UnixMilli()
		boardObserved := task.Status
		row := store.Issue{
			ProjectIdentifier: ps.proj.Identifier,
			Identifier:        s.Identifier,
			Title:             s.Title,
			Status:            string(mapped),
			BoardStatus:       &boardObserved,
			PrimaryModifiedAt: &nowMs,
			BoardModifiedAt:   task.UpdatedMillis(),
			LastSyncAt:        store.Now(),
		}
		if err := q.UpsertIssue(ctx, row); err != nil {
			ps.report.addError()
			ps.entityError(2, s.Identifier, syncerr.E(syncerr.KindFatal, "store.UpsertIssue", err))
			continue
		}
		ps.recent[s.Identifier] = struct{}{}
		ps.report.addPhase(2, 1)
		e.publish(events.Event{Type: events.IssueChanged, Project: ps.proj.Identifier, Identifier: s.Identifier, At: e.now()})
	}
}

// resolveTask maps a board task back to its issue row: the stored
// board_task_id mapping first, then a title match against this cycle's
// Primary listing (the same bootstrap Phase 1 uses).
func (ps *projectSync) resolveTask(ctx context.Context, task board.Task) (*store.Issue, error) {
	q := ps.engine.store.Queries()

	s, err := q.GetIssueByBoardTask(ctx, task.ID)
	if err != nil {
		return nil, syncerr.E(syncerr.KindFatal, "store.GetIssueByBoardTask", err)
	}
	if s != nil {
		return s, nil
	}
	if p, ok := ps.byIdentByTitle(task.Title); ok {
		return q.GetIssue(ctx, ps.proj.Identifier, p.Identifier)
	}
	return nil, nil
}

func (ps *projectSync) byIdentByTitle(title string) (primary.Issue, bool) {
	for _, p := range ps.issues {
		if p.Title == title {
			return p, true
		}
	}
	return primary.Issue{}, false
}

// =============================================================================
// Phase 3a — Primary → Local
// =============================================================================

func (ps *projectSync) phaseThreeA(ctx context.Context, path string, localIssues []local.Issue) {
	e := ps.engine
	q := e.store.Queries()

	rows, err := q.ListIssuesForProject(ctx, ps.proj.Identifier)
	if err != nil {
		ps.report.addError()
		ps.entityError(3, ps.proj.Identifier, syncerr.E(syncerr.KindFatal, "store.ListIssuesForProject", err))
		return
	}
	ps.report.addEntities(len(rows))

	for _, s := range rows {
		if s.LocalID == nil {
			ps.createLocalIssue(ctx, path, s)
			continue
		}

		current, err := fieldmap.ParsePrimaryStatus(s.Status)
		if err != nil {
			ps.report.addError()
			ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase3a."+s.Identifier, err))
			continue
		}
		want, err := fieldmap.PrimaryToLocal(current)
		if err != nil {
			ps.report.addError()
			ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase3a."+s.Identifier, err))
			continue
		}
		if s.LocalStatus != nil && string(want) == *s.LocalStatus {
			continue
		}

		e.log.Infow("local status update",
			"phase", "3a", "project", ps.proj.Identifier, "issue", s.Identifier,
			"before", strOrEmpty(s.LocalStatus), "after", want, "outcome", ps.outcome())
		if e.opts.DryRun {
			ps.report.addPhase(3, 1)
			continue
		}

		var writeErr error
		if want == fieldmap.LocalClosed {
			writeErr = e.local.CloseIssue(ctx, path, *s.LocalID)
		} else {
			writeErr = e.local.ReopenIssue(ctx, path, *s.LocalID)
		}
		if writeErr != nil {
			if syncerr.KindOf(writeErr) == syncerr.KindNotFound {
				if clearErr := q.ClearIssueLocalMapping(ctx, ps.proj.Identifier, s.Identifier); clearErr != nil {
					ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindFatal, "store.ClearIssueLocalMapping", clearErr))
				}
			}
			ps.report.addError()
			ps.entityError(3, s.Identifier, writeErr)
			continue
		}

		localStatus := string(want)
		row := s
		row.LocalStatus = &localStatus
		row.LastSyncAt = store.Now()
		if err := q.UpsertIssue(ctx, row); err != nil {
			ps.report.addError()
			ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindFatal, "store.UpsertIssue", err))
			continue
		}
		ps.recent[s.Identifier] = struct{}{}
		ps.report.addPhase(3, 1)
		e.publish(events.Event{Type: events.IssueChanged, Project: ps.proj.Identifier, Identifier: s.Identifier, At: e.now()})
	}
}

func (ps *projectSync) createLocalIssue(ctx context.Context, path string, s store.Issue) {
	e := ps.engine

	// Type and priority come from this cycle's Primary listing; an issue
	// absent from an incremental listing waits for the next full pass.
	p, ok := ps.byIdent[s.Identifier]
	if !ok {
		return
	}

	issueType := p.Type
	if issueType == "" {
		issueType = string(fieldmap.TypeTask)
	}
	if _, err := fieldmap.ParseIssueType(issueType); err != nil {
		ps.report.addError()
		ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase3a."+s.Identifier, err))
		return
	}

	priority := fieldmap.PriorityNone
	if p.Priority != "" {
		priority = fieldmap.Priority(p.Priority)
	}
	localPriority, err := fieldmap.PriorityToLocal(priority)
	if err != nil {
		ps.report.addError()
		ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase3a."+s.Identifier, err))
		return
	}

	e.log.Infow("local issue create",
		"phase", "3a", "project", ps.proj.Identifier, "issue", s.Identifier,
		"type", issueType, "priority", localPriority, "outcome", ps.outcome())
	if e.opts.DryRun {
		ps.report.addPhase(3, 1)
		return
	}

	created, err := e.local.CreateIssue(ctx, path, p.Title, issueType, localPriority)
	if err != nil {
		ps.report.addError()
		ps.entityError(3, s.Identifier, err)
		return
	}
	if created == nil {
		return // store disappeared between Available and the call
	}

	localStatus := string(fieldmap.LocalOpen)

	// A Primary issue already in a closed state gets its fresh local issue
	// closed in the same pass.
	if status, err := fieldmap.ParsePrimaryStatus(s.Status); err == nil {
		if want, err := fieldmap.PrimaryToLocal(status); err == nil && want == fieldmap.LocalClosed {
			if err := e.local.CloseIssue(ctx, path, created.ID); err != nil {
				ps.entityError(3, s.Identifier, err)
			} else {
				localStatus = string(fieldmap.LocalClosed)
			}
		}
	}

	row := s
	row.LocalID = &created.ID
	row.LocalStatus = &localStatus
	row.LastSyncAt = store.Now()
	if err := e.store.Queries().UpsertIssue(ctx, row); err != nil {
		ps.report.addError()
		ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindFatal, "store.UpsertIssue", err))
		return
	}
	ps.recent[s.Identifier] = struct{}{}
	ps.report.addPhase(3, 1)
	e.publish(events.Event{Type: events.IssueChanged, Project: ps.proj.Identifier, Identifier: s.Identifier, At: e.now()})
}

// =============================================================================
// Phase 3b — Local → Primary
// =============================================================================

func (ps *projectSync) phaseThreeB(ctx context.Context, localIssues []local.Issue) {
	e := ps.engine
	q := e.store.Queries()

	for _, l := range localIssues {
		s, err := q.GetIssueByLocalID(ctx, ps.proj.Identifier, l.ID)
		if err != nil {
			ps.report.addError()
			ps.entityError(3, l.ID, syncerr.E(syncerr.KindFatal, "store.GetIssueByLocalID", err))
			continue
		}
		if s == nil {
			continue // unmapped local issue
		}
		if _, justWrote := ps.recent[s.Identifier]; justWrote {
			continue
		}

		localStatus, err := fieldmap.ParseLocalStatus(l.Status)
		if err != nil {
			ps.report.addError()
			ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase3b."+s.Identifier, err))
			continue
		}
		current, err := fieldmap.ParsePrimaryStatus(s.Status)
		if err != nil {
			ps.report.addError()
			ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase3b."+s.Identifier, err))
			continue
		}

		candidate, err := fieldmap.LocalToPrimary(localStatus, current)
		if err != nil {
			ps.report.addError()
			ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindMalformed, "phase3b."+s.Identifier, err))
			continue
		}

		if candidate == current {
			// No Primary write; still refresh the observed Local baseline.
			if !e.opts.DryRun && (s.LocalStatus == nil || *s.LocalStatus != l.Status) {
				row := *s
				row.LocalStatus = &l.Status
				row.LastSyncAt = store.Now()
				if err := q.UpsertIssue(ctx, row); err != nil {
					ps.report.addError()
					ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindFatal, "store.UpsertIssue", err))
				}
			}
			continue
		}

		e.log.Infow("primary status update",
			"phase", "3b", "project", ps.proj.Identifier, "issue", s.Identifier,
			"before", s.Status, "after", candidate, "local_status", l.Status,
			"outcome", ps.outcome())
		if e.opts.DryRun {
			ps.report.addPhase(3, 1)
			continue
		}

		if err := e.primary.UpdateIssueStatus(ctx, s.Identifier, string(candidate)); err != nil {
			ps.report.addError()
			ps.entityError(3, s.Identifier, err)
			continue
		}

		nowMs := e.now().UnixMilli()
		row := *s
		row.Status = string(candidate)
		row.LocalStatus = &l.Status
		row.PrimaryModifiedAt = &nowMs
		row.LastSyncAt = store.Now()
		if err := q.UpsertIssue(ctx, row); err != nil {
			ps.report.addError()
			ps.entityError(3, s.Identifier, syncerr.E(syncerr.KindFatal, "store.UpsertIssue", err))
			continue
		}
		ps.recent[s.Identifier] = struct{}{}
		ps.report.addPhase(3, 1)
		e.publish(events.Event{Type: events.IssueChanged, Project: ps.proj.Identifier, Identifier: s.Identifier, At: e.now()})
	}
}

// =============================================================================
// Helpers
// =============================================================================

func (ps *projectSync) outcome() string {
	if ps.engine.opts.DryRun {
		return "dry-run"
	}
	return "written"
}

func (ps *projectSync) entityError(phase int, entity string, err error) {
	ps.engine.logAdapterError(
		fmt.Sprintf("phase %d entity failed", phase),
		ps.proj.Identifier,
		fmt.Errorf("%s: %w", entity, err),
	)
}

func winnerName(primaryWins bool) string {
	if primaryWins {
		return "primary"
	}
	return "board"
}

func strOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
