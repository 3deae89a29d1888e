package local

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jra3/tracker-sync/internal/syncerr"
)

// fakeCLI writes an executable shell script standing in for the real store
// CLI and returns its path.
func fakeCLI(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bd")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0755))
	return path
}

// storeDir creates a project checkout containing the store marker.
func storeDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, MarkerDir), 0755))
	return dir
}

func TestAvailable(t *testing.T) {
	c := NewCLI("bd")
	assert.False(t, c.Available(""))
	assert.False(t, c.Available(t.TempDir()))
	assert.True(t, c.Available(storeDir(t)))
}

func TestListIssues(t *testing.T) {
	cli := fakeCLI(t, `cat <<'JSON'
{"id":"loc-1","title":"First","status":"open","priority":2,"issue_type":"task"}
{"id":"loc-2","title":"Second","status":"closed","priority":5,"issue_type":"bug"}
JSON`)
	c := NewCLI(cli)
	dir := storeDir(t)

	issues, err := c.ListIssues(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, issues, 2)
	assert.Equal(t, "loc-1", issues[0].ID)
	assert.Equal(t, "open", issues[0].Status)
	assert.Equal(t, "closed", issues[1].Status)
	assert.Equal(t, 5, issues[1].Priority)
}

func TestListIssuesNoStoreIsNoop(t *testing.T) {
	c := NewCLI(fakeCLI(t, "exit 1"))
	issues, err := c.ListIssues(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, issues)
}

func TestCreateIssue(t *testing.T) {
	cli := fakeCLI(t, `echo '{"id":"loc-9","title":"New","status":"open","priority":1,"issue_type":"feature"}'`)
	c := NewCLI(cli)

	issue, err := c.CreateIssue(context.Background(), storeDir(t), "New", "feature", 1)
	require.NoError(t, err)
	require.NotNil(t, issue)
	assert.Equal(t, "loc-9", issue.ID)
}

func TestUpdateIssue(t *testing.T) {
	// The fake CLI records its argv so the flag rendering can be checked.
	dir := storeDir(t)
	cli := fakeCLI(t, `echo "$@" > args.txt; echo '{"id":"loc-1","title":"New title","status":"open","priority":2,"issue_type":"task"}'`)
	c := NewCLI(cli)

	err := c.UpdateIssue(context.Background(), dir, "loc-1", map[string]string{"title": "New title"})
	require.NoError(t, err)

	argv, err := os.ReadFile(filepath.Join(dir, "args.txt"))
	require.NoError(t, err)
	assert.Contains(t, string(argv), "update loc-1")
	assert.Contains(t, string(argv), "--title New title")
	assert.Contains(t, string(argv), "--json")
}

func TestMalformedOutput(t *testing.T) {
	c := NewCLI(fakeCLI(t, `echo 'this is not json'`))
	_, err := c.ListIssues(context.Background(), storeDir(t))
	require.Error(t, err)
	assert.Equal(t, syncerr.KindMalformed, syncerr.KindOf(err))
}

func TestExitClassification(t *testing.T) {
	// A usage complaint is malformed input, not worth a retry.
	c := NewCLI(fakeCLI(t, `echo "usage: bd close <id>" >&2; exit 2`))
	err := c.CloseIssue(context.Background(), storeDir(t), "loc-1")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindMalformed, syncerr.KindOf(err))

	// An unknown issue id is not_found, so the mapping can be cleared.
	c = NewCLI(fakeCLI(t, `echo "issue loc-9 not found" >&2; exit 1`))
	err = c.CloseIssue(context.Background(), storeDir(t), "loc-9")
	require.Error(t, err)
	assert.Equal(t, syncerr.KindNotFound, syncerr.KindOf(err))

	// Anything else (lock contention, git trouble) retries next cycle.
	c = NewCLI(fakeCLI(t, `echo "store is locked" >&2; exit 1`))
	err = c.ReopenIssue(context.Background(), storeDir(t), "loc-1")
	require.Error(t, err)
	assert.True(t, syncerr.IsTransient(err))
}

func TestClassifyStderr(t *testing.T) {
	assert.Equal(t, syncerr.KindMalformed, classifyStderr("parse error near token"))
	assert.Equal(t, syncerr.KindMalformed, classifyStderr("Invalid priority"))
	assert.Equal(t, syncerr.KindNotFound, classifyStderr("issue not found"))
	assert.Equal(t, syncerr.KindTransient, classifyStderr("database is locked"))
	assert.Equal(t, syncerr.KindTransient, classifyStderr(""))
}
