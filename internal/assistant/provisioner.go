// Package assistant provisions per-project PM assistants as a best-effort
// side effect of project discovery. The sync engine publishes events onto a
// bounded queue; the provisioner drains it in the background. Nothing here
// may block or fail a sync cycle: every error is logged and swallowed.
package assistant

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jra3/tracker-sync/internal/events"
)

const briefModel = anthropic.Model("claude-haiku-4-5")

// AgentRecorder persists the provisioned agent id on the project row.
type AgentRecorder interface {
	UpdateProjectAgentID(ctx context.Context, identifier, agentID string) error
}

// PathResolver maps a project identifier to its checkout path, or "" when
// the project has none.
type PathResolver func(identifier string) string

type Provisioner struct {
	client   *anthropic.Client // nil disables brief drafting
	queue    *events.Queue
	recorder AgentRecorder
	resolve  PathResolver
	log      *zap.SugaredLogger
}

// New builds a provisioner. An empty apiKey disables the Anthropic call;
// agents are then provisioned with an id and an empty brief.
func New(apiKey string, queue *events.Queue, recorder AgentRecorder, resolve PathResolver, log *zap.SugaredLogger) *Provisioner {
	p := &Provisioner{
		queue:    queue,
		recorder: recorder,
		resolve:  resolve,
		log:      log,
	}
	if apiKey != "" {
		client := anthropic.NewClient(option.WithAPIKey(apiKey))
		p.client = &client
	}
	return p
}

// Run drains the event queue until it is closed. Call in a goroutine; stop
// by closing the queue.
func (p *Provisioner) Run(ctx context.Context) {
	for {
		e, ok := p.queue.Next()
		if !ok {
			return
		}
		if ctx.Err() != nil {
			return
		}
		switch e.Type {
		case events.ProjectCreated:
			p.handleProjectCreated(ctx, e)
		case events.IssueChanged:
			// Reserved for assistant memory updates; consumed so the
			// queue cannot back up.
		}
	}
}

func (p *Provisioner) handleProjectCreated(ctx context.Context, e events.Event) {
	path := p.resolve(e.Project)
	if path != "" {
		sc, err := ReadSidecar(path)
		if err != nil {
			p.log.Warnw("assistant sidecar unreadable", "project", e.Project, "error", err)
		} else if sc.LastAgentID != "" {
			return // already provisioned
		}
	}

	agentID := "agent-" + uuid.NewString()

	if p.client != nil {
		if brief, err := p.draftBrief(ctx, e.Project); err != nil {
			p.log.Warnw("assistant brief drafting failed", "project", e.Project, "error", err)
		} else {
			p.log.Infow("assistant brief drafted", "project", e.Project, "agent", agentID, "brief_len", len(brief))
		}
	}

	if path != "" {
		sc := Sidecar{LastAgentID: agentID, ProvisionedAt: time.Now().UTC()}
		if err := WriteSidecar(path, sc); err != nil {
			p.log.Warnw("assistant sidecar write failed", "project", e.Project, "error", err)
		}
	}

	if err := p.recorder.UpdateProjectAgentID(ctx, e.Project, agentID); err != nil {
		p.log.Warnw("assistant agent id not recorded", "project", e.Project, "error", err)
		return
	}
	p.log.Infow("assistant provisioned", "project", e.Project, "agent", agentID)
}

func (p *Provisioner) draftBrief(ctx context.Context, project string) (string, error) {
	prompt := fmt.Sprintf(
		"You are the project assistant for %q, a software project tracked across an issue tracker, a task board, and a git-backed issue store. Write a short kickoff brief (3 sentences) describing how you will help triage and keep statuses consistent.",
		project)

	message, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     briefModel,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", err
	}
	var brief string
	for _, block := range message.Content {
		if block.Type == "text" {
			brief += block.Text
		}
	}
	return brief, nil
}
