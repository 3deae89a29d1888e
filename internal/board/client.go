// Package board is the REST adapter for the task board backend.
package board

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/jra3/tracker-sync/internal/restclient"
)

type Client struct {
	rest *restclient.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{rest: restclient.New(baseURL, token, timeout)}
}

// ListProjects fetches all board projects.
func (c *Client) ListProjects(ctx context.Context) ([]Project, error) {
	var projects []Project
	if err := c.rest.Get(ctx, "board.ListProjects", "/api/projects", nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// CreateProject creates a board project and returns it with its id set.
func (c *Client) CreateProject(ctx context.Context, name string, meta map[string]string) (*Project, error) {
	req := Project{Name: name, Meta: meta}
	var created Project
	if err := c.rest.Do(ctx, "board.CreateProject", http.MethodPost, "/api/projects", nil, req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// ListTasks fetches all tasks of a board project.
func (c *Client) ListTasks(ctx context.Context, boardProjectID string) ([]Task, error) {
	var tasks []Task
	path := "/api/projects/" + url.PathEscape(boardProjectID) + "/tasks"
	if err := c.rest.Get(ctx, "board.ListTasks", path, nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTask creates a task on a board project and returns it with its id.
func (c *Client) CreateTask(ctx context.Context, boardProjectID, title, description, status string) (*Task, error) {
	req := Task{Title: title, Description: description, Status: status}
	var created Task
	path := "/api/projects/" + url.PathEscape(boardProjectID) + "/tasks"
	if err := c.rest.Do(ctx, "board.CreateTask", http.MethodPost, path, nil, req, &created); err != nil {
		return nil, err
	}
	return &created, nil
}

// UpdateTaskStatus moves a task to a new column.
func (c *Client) UpdateTaskStatus(ctx context.Context, taskID, status string) error {
	body := map[string]string{"status": status}
	path := "/api/tasks/" + url.PathEscape(taskID)
	return c.rest.Do(ctx, "board.UpdateTaskStatus", http.MethodPatch, path, nil, body, nil)
}
