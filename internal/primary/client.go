// Package primary is the REST adapter for the Primary issue tracker.
// It is a thin IO layer: list projects and issues, read single issues,
// and push status updates. All failures carry a syncerr kind so the
// orchestrator can pick the retry/skip policy.
package primary

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jra3/tracker-sync/internal/restclient"
)

type Client struct {
	rest *restclient.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{rest: restclient.New(baseURL, token, timeout)}
}

// ListProjects fetches all projects visible to the token.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.rest.Get(ctx, "primary.ListProjects", "/api/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ListIssues fetches the issues of a project. When modifiedAfter > 0 only
// issues modified strictly after that epoch-millisecond timestamp are
// returned.
func (c *Client) ListIssues(ctx context.Context, projectID string, modifiedAfter int64) ([]Issue, error) {
	var query url.Values
	if modifiedAfter > 0 {
		query = url.Values{"modifiedAfter": []string{strconv.FormatInt(modifiedAfter, 10)}}
	}
	var issues []Issue
	path := "/api/projects/" + url.PathEscape(projectID) + "/issues"
	if err := c.rest.Get(ctx, "primary.ListIssues", path, query, &issues); err != nil {
		return nil, err
	}
	return issues, nil
}

// GetIssue fetches one issue by its identifier ("ACME-42").
func (c *Client) GetIssue(ctx context.Context, identifier string) (*Issue, error) {
	var issue Issue
	path := "/api/issues/" + url.PathEscape(identifier)
	if err := c.rest.Get(ctx, "primary.GetIssue", path, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

// UpdateIssueStatus sets the status of an issue.
func (c *Client) UpdateIssueStatus(ctx context.Context, identifier, status string) error {
	body := map[string]string{"status": status}
	path := "/api/issues/" + url.PathEscape(identifier)
	return c.rest.Do(ctx, "primary.UpdateIssueStatus", http.MethodPatch, path, nil, body, nil)
}
