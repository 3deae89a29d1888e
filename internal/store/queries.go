package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Project is one row of the projects table. Identity in the Primary tracker
// is authoritative: identifier is the stable short code shared by all three
// backends, and primary_id never changes once set.
type Project struct {
	Identifier     string
	Name           string
	PrimaryID      *string
	BoardID        *string
	FilesystemPath *string
	AgentID        *string
	LastSyncAt     time.Time
	LastCheckedAt  time.Time
}

// Issue is one row of the issues table. BoardStatus holds the last Board
// value the orchestrator observed (not wrote); it is the baseline for
// change detection.
type Issue struct {
	ProjectIdentifier string
	Identifier        string
	Title             string
	Status            string
	BoardStatus       *string
	LocalID           *string
	LocalStatus       *string
	BoardTaskID       *string
	PrimaryModifiedAt *int64
	BoardModifiedAt   *int64
	LastSyncAt        time.Time
}

const projectColumns = `identifier, name, primary_id, board_id, filesystem_path, agent_id, last_sync_at, last_checked_at`

const issueColumns = `project_identifier, identifier, title, status, board_status, local_id, local_status, board_task_id, primary_modified_at, board_modified_at, last_sync_at`

// UpsertProject inserts or updates a project by identifier.
// primary_id and board_id are preserved once set; filesystem_path and
// agent_id are only overwritten by non-null arguments.
func (q *Queries) UpsertProject(ctx context.Context, p Project) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO projects (`+projectColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(identifier) DO UPDATE SET
			name            = excluded.name,
			primary_id      = COALESCE(projects.primary_id, excluded.primary_id),
			board_id        = COALESCE(projects.board_id, excluded.board_id),
			filesystem_path = COALESCE(excluded.filesystem_path, projects.filesystem_path),
			agent_id        = COALESCE(excluded.agent_id, projects.agent_id),
			last_sync_at    = COALESCE(excluded.last_sync_at, projects.last_sync_at),
			last_checked_at = excluded.last_checked_at
	`,
		p.Identifier, p.Name,
		toNullString(p.PrimaryID), toNullString(p.BoardID),
		toNullString(p.FilesystemPath), toNullString(p.AgentID),
		toNullTime(p.LastSyncAt), toNullTime(p.LastCheckedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert project %s: %w", p.Identifier, err)
	}
	return nil
}

// GetProject returns a project by identifier, or nil when absent.
func (q *Queries) GetProject(ctx context.Context, identifier string) (*Project, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE identifier = ?`, identifier)
	p, err := scanProject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// ListProjects returns all known projects ordered by identifier.
func (q *Queries) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY identifier`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var projects []Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, *p)
	}
	return projects, rows.Err()
}

// UpdateProjectAgentID records the last provisioned agent for a project.
func (q *Queries) UpdateProjectAgentID(ctx context.Context, identifier, agentID string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE projects SET agent_id = ? WHERE identifier = ?`, agentID, identifier)
	return err
}

// UpsertIssue inserts or updates an issue by (project_identifier, identifier).
//
// Null-safety of the merge: a null argument never overwrites a stored value
// for the nullable columns; board_task_id and local_id are preserved once
// set (cleared only through ClearBoardMappings / ClearAll); and
// primary_modified_at is monotonic non-decreasing.
func (q *Queries) UpsertIssue(ctx context.Context, i Issue) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO issues (`+issueColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_identifier, identifier) DO UPDATE SET
			title         = excluded.title,
			status        = excluded.status,
			board_status  = COALESCE(excluded.board_status, issues.board_status),
			local_id      = COALESCE(issues.local_id, excluded.local_id),
			local_status  = COALESCE(excluded.local_status, issues.local_status),
			board_task_id = COALESCE(issues.board_task_id, excluded.board_task_id),
			primary_modified_at = CASE
				WHEN excluded.primary_modified_at IS NULL THEN issues.primary_modified_at
				WHEN issues.primary_modified_at IS NULL THEN excluded.primary_modified_at
				ELSE MAX(issues.primary_modified_at, excluded.primary_modified_at)
			END,
			board_modified_at = COALESCE(excluded.board_modified_at, issues.board_modified_at),
			last_sync_at  = excluded.last_sync_at
	`,
		i.ProjectIdentifier, i.Identifier, i.Title, i.Status,
		toNullString(i.BoardStatus), toNullString(i.LocalID), toNullString(i.LocalStatus),
		toNullString(i.BoardTaskID),
		toNullInt64(i.PrimaryModifiedAt), toNullInt64(i.BoardModifiedAt),
		toNullTime(i.LastSyncAt),
	)
	if err != nil {
		return fmt.Errorf("upsert issue %s/%s: %w", i.ProjectIdentifier, i.Identifier, err)
	}
	return nil
}

// GetIssue returns an issue by composite identity, or nil when absent.
func (q *Queries) GetIssue(ctx context.Context, projectID, identifier string) (*Issue, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_identifier = ? AND identifier = ?`,
		projectID, identifier)
	i, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return i, err
}

// GetIssueByBoardTask resolves a Board task id to its issue row, or nil.
func (q *Queries) GetIssueByBoardTask(ctx context.Context, boardTaskID string) (*Issue, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE board_task_id = ?`, boardTaskID)
	i, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return i, err
}

// GetIssueByLocalID resolves a Local issue id within a project, or nil.
func (q *Queries) GetIssueByLocalID(ctx context.Context, projectID, localID string) (*Issue, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_identifier = ? AND local_id = ?`,
		projectID, localID)
	i, err := scanIssue(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return i, err
}

// ListIssuesForProject returns all issue rows of one project.
func (q *Queries) ListIssuesForProject(ctx context.Context, projectID string) ([]Issue, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT `+issueColumns+` FROM issues WHERE project_identifier = ? ORDER BY identifier`,
		projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var issues []Issue
	for rows.Next() {
		i, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		issues = append(issues, *i)
	}
	return issues, rows.Err()
}

// CountIssuesForProject returns the number of tracked issues in a project.
func (q *Queries) CountIssuesForProject(ctx context.Context, projectID string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM issues WHERE project_identifier = ?`, projectID).Scan(&n)
	return n, err
}

// ClearIssueBoardMapping nulls one issue's board mapping after the Board
// reported the task gone.
func (q *Queries) ClearIssueBoardMapping(ctx context.Context, projectID, identifier string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE issues SET board_task_id = NULL, board_status = NULL
		 WHERE project_identifier = ? AND identifier = ?`,
		projectID, identifier)
	return err
}

// ClearIssueLocalMapping nulls one issue's local mapping after the Local
// store reported the issue gone.
func (q *Queries) ClearIssueLocalMapping(ctx context.Context, projectID, identifier string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE issues SET local_id = NULL, local_status = NULL
		 WHERE project_identifier = ? AND identifier = ?`,
		projectID, identifier)
	return err
}

// ClearBoardMappings nulls board_task_id and board_status for one project,
// or for all projects when projectID is empty.
func (q *Queries) ClearBoardMappings(ctx context.Context, projectID string) error {
	if projectID == "" {
		_, err := q.db.ExecContext(ctx,
			`UPDATE issues SET board_task_id = NULL, board_status = NULL`)
		return err
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE issues SET board_task_id = NULL, board_status = NULL WHERE project_identifier = ?`,
		projectID)
	return err
}

// ClearAll resets every mapping field while preserving entity identity.
func (q *Queries) ClearAll(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `
		UPDATE issues SET
			board_status = NULL, local_id = NULL, local_status = NULL,
			board_task_id = NULL, primary_modified_at = NULL,
			board_modified_at = NULL, last_sync_at = NULL
	`); err != nil {
		return err
	}
	if _, err := q.db.ExecContext(ctx, `
		UPDATE projects SET board_id = NULL, agent_id = NULL, last_sync_at = NULL
	`); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, `DELETE FROM sync_metadata WHERE key != ?`, schemaVersionKey)
	return err
}

// GetMetadata returns the value for a sync_metadata key, or "" when absent.
func (q *Queries) GetMetadata(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRowContext(ctx,
		`SELECT value FROM sync_metadata WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetMetadata stores a sync_metadata key/value pair.
func (q *Queries) SetMetadata(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, Now())
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanProject(row scanner) (*Project, error) {
	var p Project
	var primaryID, boardID, fsPath, agentID sql.NullString
	var lastSync, lastChecked sql.NullTime
	if err := row.Scan(
		&p.Identifier, &p.Name, &primaryID, &boardID, &fsPath, &agentID,
		&lastSync, &lastChecked,
	); err != nil {
		return nil, err
	}
	p.PrimaryID = fromNullString(primaryID)
	p.BoardID = fromNullString(boardID)
	p.FilesystemPath = fromNullString(fsPath)
	p.AgentID = fromNullString(agentID)
	p.LastSyncAt = lastSync.Time
	p.LastCheckedAt = lastChecked.Time
	return &p, nil
}

func scanIssue(row scanner) (*Issue, error) {
	var i Issue
	var boardStatus, localID, localStatus, boardTaskID sql.NullString
	var primaryModified, boardModified sql.NullInt64
	var lastSync sql.NullTime
	if err := row.Scan(
		&i.ProjectIdentifier, &i.Identifier, &i.Title, &i.Status,
		&boardStatus, &localID, &localStatus, &boardTaskID,
		&primaryModified, &boardModified, &lastSync,
	); err != nil {
		return nil, err
	}
	i.BoardStatus = fromNullString(boardStatus)
	i.LocalID = fromNullString(localID)
	i.LocalStatus = fromNullString(localStatus)
	i.BoardTaskID = fromNullString(boardTaskID)
	i.PrimaryModifiedAt = fromNullInt64(primaryModified)
	i.BoardModifiedAt = fromNullInt64(boardModified)
	i.LastSyncAt = lastSync.Time
	return &i, nil
}
