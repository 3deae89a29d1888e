package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sync-state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func strPtr(s string) *string { return &s }
func i64Ptr(i int64) *int64   { return &i }

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync-state.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// Reopening an existing database re-runs schema + migrations without error.
	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	v, err := s.queries.GetMetadata(context.Background(), schemaVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestOpenRefusesLockedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sync-state.db")

	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")
}

func TestUpsertProjectPreservesIdentity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	require.NoError(t, q.UpsertProject(ctx, Project{
		Identifier: "ACME",
		Name:       "Acme",
		PrimaryID:  strPtr("prim-1"),
	}))

	// primary_id never changes once set; board_id is set at most once.
	require.NoError(t, q.UpsertProject(ctx, Project{
		Identifier: "ACME",
		Name:       "Acme Renamed",
		PrimaryID:  strPtr("prim-other"),
		BoardID:    strPtr("board-1"),
	}))
	require.NoError(t, q.UpsertProject(ctx, Project{
		Identifier: "ACME",
		Name:       "Acme Renamed",
		BoardID:    strPtr("board-other"),
	}))

	p, err := q.GetProject(ctx, "ACME")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "Acme Renamed", p.Name)
	assert.Equal(t, "prim-1", *p.PrimaryID)
	assert.Equal(t, "board-1", *p.BoardID)
}

func TestUpsertIssueNullSafety(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	require.NoError(t, q.UpsertIssue(ctx, Issue{
		ProjectIdentifier: "ACME",
		Identifier:        "ACME-1",
		Title:             "First",
		Status:            "Backlog",
		BoardStatus:       strPtr("todo"),
		BoardTaskID:       strPtr("task-1"),
		PrimaryModifiedAt: i64Ptr(1000),
	}))

	// Null arguments do not overwrite stored values.
	require.NoError(t, q.UpsertIssue(ctx, Issue{
		ProjectIdentifier: "ACME",
		Identifier:        "ACME-1",
		Title:             "First",
		Status:            "Todo",
	}))

	i, err := q.GetIssue(ctx, "ACME", "ACME-1")
	require.NoError(t, err)
	require.NotNil(t, i)
	assert.Equal(t, "Todo", i.Status)
	assert.Equal(t, "todo", *i.BoardStatus)
	assert.Equal(t, "task-1", *i.BoardTaskID)
	assert.Equal(t, int64(1000), *i.PrimaryModifiedAt)
}

// Once assigned, board_task_id is never replaced, only cleared explicitly.
func TestMappingStability(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	require.NoError(t, q.UpsertIssue(ctx, Issue{
		ProjectIdentifier: "ACME",
		Identifier:        "ACME-1",
		Status:            "Todo",
		BoardTaskID:       strPtr("task-1"),
		LocalID:           strPtr("loc-1"),
	}))
	require.NoError(t, q.UpsertIssue(ctx, Issue{
		ProjectIdentifier: "ACME",
		Identifier:        "ACME-1",
		Status:            "Todo",
		BoardTaskID:       strPtr("task-2"),
		LocalID:           strPtr("loc-2"),
	}))

	i, err := q.GetIssue(ctx, "ACME", "ACME-1")
	require.NoError(t, err)
	assert.Equal(t, "task-1", *i.BoardTaskID)
	assert.Equal(t, "loc-1", *i.LocalID)

	require.NoError(t, q.ClearBoardMappings(ctx, "ACME"))
	i, err = q.GetIssue(ctx, "ACME", "ACME-1")
	require.NoError(t, err)
	assert.Nil(t, i.BoardTaskID)
	assert.Nil(t, i.BoardStatus)
	// Local mapping untouched by a board reset.
	assert.Equal(t, "loc-1", *i.LocalID)
}

// primary_modified_at never decreases across successful upserts.
func TestPrimaryModifiedAtMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	put := func(ts *int64) {
		require.NoError(t, q.UpsertIssue(ctx, Issue{
			ProjectIdentifier: "ACME",
			Identifier:        "ACME-1",
			Status:            "Todo",
			PrimaryModifiedAt: ts,
		}))
	}

	put(i64Ptr(5000))
	put(i64Ptr(3000)) // older timestamp must not win
	put(nil)          // null must not reset

	i, err := q.GetIssue(ctx, "ACME", "ACME-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), *i.PrimaryModifiedAt)

	put(i64Ptr(7000))
	i, err = q.GetIssue(ctx, "ACME", "ACME-1")
	require.NoError(t, err)
	assert.Equal(t, int64(7000), *i.PrimaryModifiedAt)
}

func TestLookupsAndClearAll(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	q := s.Queries()

	require.NoError(t, q.UpsertProject(ctx, Project{Identifier: "ACME", Name: "Acme", BoardID: strPtr("bp-1")}))
	require.NoError(t, q.UpsertIssue(ctx, Issue{
		ProjectIdentifier: "ACME",
		Identifier:        "ACME-1",
		Status:            "Todo",
		BoardTaskID:       strPtr("task-1"),
		LocalID:           strPtr("loc-1"),
		PrimaryModifiedAt: i64Ptr(1000),
	}))
	require.NoError(t, q.UpsertIssue(ctx, Issue{
		ProjectIdentifier: "ACME",
		Identifier:        "ACME-2",
		Status:            "Done",
	}))

	byTask, err := q.GetIssueByBoardTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, byTask)
	assert.Equal(t, "ACME-1", byTask.Identifier)

	byLocal, err := q.GetIssueByLocalID(ctx, "ACME", "loc-1")
	require.NoError(t, err)
	require.NotNil(t, byLocal)
	assert.Equal(t, "ACME-1", byLocal.Identifier)

	issues, err := q.ListIssuesForProject(ctx, "ACME")
	require.NoError(t, err)
	assert.Len(t, issues, 2)

	n, err := q.CountIssuesForProject(ctx, "ACME")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	require.NoError(t, q.SetMetadata(ctx, "watermark:ACME", "1000"))
	require.NoError(t, q.ClearAll(ctx))

	i, err := q.GetIssue(ctx, "ACME", "ACME-1")
	require.NoError(t, err)
	require.NotNil(t, i, "identity survives ClearAll")
	assert.Nil(t, i.BoardTaskID)
	assert.Nil(t, i.LocalID)
	assert.Nil(t, i.PrimaryModifiedAt)

	p, err := q.GetProject(ctx, "ACME")
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Nil(t, p.BoardID)

	wm, err := q.GetMetadata(ctx, "watermark:ACME")
	require.NoError(t, err)
	assert.Equal(t, "", wm)

	// Schema version survives a reset.
	v, err := q.GetMetadata(ctx, schemaVersionKey)
	require.NoError(t, err)
	assert.Equal(t, "3", v)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.WithTx(ctx, func(q *Queries) error {
		if err := q.UpsertIssue(ctx, Issue{
			ProjectIdentifier: "ACME", Identifier: "ACME-9", Status: "Todo",
		}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	i, err := s.Queries().GetIssue(ctx, "ACME", "ACME-9")
	require.NoError(t, err)
	assert.Nil(t, i)
}
