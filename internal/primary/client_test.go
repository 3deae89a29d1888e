package primary

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jra3/tracker-sync/internal/syncerr"
	"github.com/jra3/tracker-sync/internal/testutil"
)

func newTestClient(t *testing.T) (*Client, *testutil.MockBackendServer) {
	t.Helper()
	srv := testutil.NewMockBackendServer()
	t.Cleanup(srv.Close)
	return NewClient(srv.URL(), "test-token", 5*time.Second), srv
}

func TestListProjects(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetResponse("GET /api/projects", []Project{
		{ID: "p1", Identifier: "ACME", Name: "Acme"},
		{ID: "p2", Identifier: "INFRA", Name: "Infra"},
	})

	projects, err := c.ListProjects(context.Background())
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "ACME", projects[0].Identifier)

	calls := srv.CallsTo(http.MethodGet, "/api/projects")
	require.Len(t, calls, 1)
	assert.Equal(t, "Bearer test-token", calls[0].Auth)
}

func TestListIssuesModifiedAfter(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetResponse("GET /api/projects/p1/issues", []Issue{
		{Identifier: "ACME-1", Title: "First", Status: "Backlog", ModifiedOn: 1000},
	})

	issues, err := c.ListIssues(context.Background(), "p1", 500)
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, int64(1000), issues[0].ModifiedOn)

	calls := srv.CallsTo(http.MethodGet, "/api/projects/p1/issues")
	require.Len(t, calls, 1)
	assert.Equal(t, "modifiedAfter=500", calls[0].Query)

	// Without a watermark the parameter is omitted.
	_, err = c.ListIssues(context.Background(), "p1", 0)
	require.NoError(t, err)
	calls = srv.CallsTo(http.MethodGet, "/api/projects/p1/issues")
	require.Len(t, calls, 2)
	assert.Equal(t, "", calls[1].Query)
}

func TestUpdateIssueStatus(t *testing.T) {
	c, srv := newTestClient(t)
	srv.SetResponse("PATCH /api/issues/ACME-1", map[string]any{"ok": true})

	err := c.UpdateIssueStatus(context.Background(), "ACME-1", "Done")
	require.NoError(t, err)

	calls := srv.CallsTo(http.MethodPatch, "/api/issues/ACME-1")
	require.Len(t, calls, 1)
	assert.Equal(t, "Done", calls[0].Body["status"])
}

func TestErrorClassification(t *testing.T) {
	c, srv := newTestClient(t)
	ctx := context.Background()

	srv.SetStatus("GET /api/issues/GONE-1", http.StatusNotFound)
	_, err := c.GetIssue(ctx, "GONE-1")
	assert.Equal(t, syncerr.KindNotFound, syncerr.KindOf(err))

	srv.SetStatus("GET /api/issues/SEC-1", http.StatusForbidden)
	_, err = c.GetIssue(ctx, "SEC-1")
	assert.Equal(t, syncerr.KindForbidden, syncerr.KindOf(err))

	srv.SetStatus("GET /api/issues/FLAKY-1", http.StatusBadGateway)
	_, err = c.GetIssue(ctx, "FLAKY-1")
	assert.Equal(t, syncerr.KindTransient, syncerr.KindOf(err))
	assert.True(t, syncerr.IsTransient(err))

	srv.SetStatus("GET /api/issues/RATE-1", http.StatusTooManyRequests)
	_, err = c.GetIssue(ctx, "RATE-1")
	assert.Equal(t, syncerr.KindTransient, syncerr.KindOf(err))

	srv.SetResponse("GET /api/issues/BAD-1", "not an issue object")
	_, err = c.GetIssue(ctx, "BAD-1")
	assert.Equal(t, syncerr.KindMalformed, syncerr.KindOf(err))

	// Unreachable server is transient.
	dead := NewClient("http://127.0.0.1:1", "t", time.Second)
	_, err = dead.ListProjects(ctx)
	assert.True(t, syncerr.IsTransient(err))
}
