// Package local is the adapter for the git-backed Local issue store. Every
// operation shells out to the store's CLI (default "bd") inside the project
// checkout and parses line-delimited JSON from stdout. The adapter only
// acts on projects whose checkout contains the store marker directory;
// everywhere else it is a no-op.
package local

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jra3/tracker-sync/internal/syncerr"
)

// MarkerDir is the directory whose presence marks a checkout as hosting a
// Local store.
const MarkerDir = ".local"

// Issue is one issue as emitted by the CLI's JSON output.
type Issue struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    string `json:"status"` // open | closed
	Priority  int    `json:"priority"`
	IssueType string `json:"issue_type"`
}

type CLI struct {
	binPath string
}

func NewCLI(binPath string) *CLI {
	if binPath == "" {
		binPath = "bd"
	}
	return &CLI{binPath: binPath}
}

// Available reports whether projectPath hosts a Local store.
func (c *CLI) Available(projectPath string) bool {
	if projectPath == "" {
		return false
	}
	info, err := os.Stat(filepath.Join(projectPath, MarkerDir))
	return err == nil && info.IsDir()
}

// ListIssues returns all issues of the store at projectPath.
func (c *CLI) ListIssues(ctx context.Context, projectPath string) ([]Issue, error) {
	if !c.Available(projectPath) {
		return nil, nil
	}
	out, err := c.run(ctx, "local.ListIssues", projectPath, "list", "--json")
	if err != nil {
		return nil, err
	}
	return parseIssues("local.ListIssues", out)
}

// CreateIssue creates an issue and returns it with its id assigned.
func (c *CLI) CreateIssue(ctx context.Context, projectPath, title, issueType string, priority int) (*Issue, error) {
	if !c.Available(projectPath) {
		return nil, nil
	}
	out, err := c.run(ctx, "local.CreateIssue", projectPath,
		"create", title, "--type", issueType, "--priority", strconv.Itoa(priority), "--json")
	if err != nil {
		return nil, err
	}
	issues, err := parseIssues("local.CreateIssue", out)
	if err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, syncerr.E(syncerr.KindMalformed, "local.CreateIssue",
			fmt.Errorf("CLI returned no issue"))
	}
	return &issues[0], nil
}

// UpdateIssue applies field updates ("title", "priority", ...) to an issue.
func (c *CLI) UpdateIssue(ctx context.Context, projectPath, id string, fields map[string]string) error {
	if !c.Available(projectPath) {
		return nil
	}
	args := []string{"update", id}
	for k, v := range fields {
		args = append(args, "--"+k, v)
	}
	args = append(args, "--json")
	_, err := c.run(ctx, "local.UpdateIssue", projectPath, args...)
	return err
}

// CloseIssue marks an issue closed.
func (c *CLI) CloseIssue(ctx context.Context, projectPath, id string) error {
	if !c.Available(projectPath) {
		return nil
	}
	_, err := c.run(ctx, "local.CloseIssue", projectPath, "close", id, "--json")
	return err
}

// ReopenIssue reopens a closed issue.
func (c *CLI) ReopenIssue(ctx context.Context, projectPath, id string) error {
	if !c.Available(projectPath) {
		return nil
	}
	_, err := c.run(ctx, "local.ReopenIssue", projectPath, "reopen", id, "--json")
	return err
}

func (c *CLI) run(ctx context.Context, op, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binPath, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, syncerr.E(classifyStderr(stderr.String()), op,
			fmt.Errorf("%s %s: %w: %s", c.binPath, strings.Join(args, " "), err, strings.TrimSpace(stderr.String())))
	}
	return stdout.Bytes(), nil
}

// classifyStderr decides whether a non-zero exit was caused by input the
// CLI rejected (malformed, never silently retried), by an issue the store
// does not know (not_found, so the mapping can be cleared), or by
// environmental trouble (transient, retried next cycle).
func classifyStderr(stderr string) syncerr.Kind {
	lower := strings.ToLower(stderr)
	for _, marker := range []string{"parse", "invalid", "usage:", "unknown flag", "unknown command", "not found"} {
		if strings.Contains(lower, marker) {
			if marker == "not found" {
				return syncerr.KindNotFound
			}
			return syncerr.KindMalformed
		}
	}
	return syncerr.KindTransient
}

// parseIssues decodes line-delimited JSON issue objects.
func parseIssues(op string, out []byte) ([]Issue, error) {
	var issues []Issue
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var issue Issue
		if err := json.Unmarshal([]byte(line), &issue); err != nil {
			return nil, syncerr.E(syncerr.KindMalformed, op,
				fmt.Errorf("decode output line %q: %w", line, err))
		}
		issues = append(issues, issue)
	}
	if err := scanner.Err(); err != nil {
		return nil, syncerr.E(syncerr.KindMalformed, op, err)
	}
	return issues, nil
}
