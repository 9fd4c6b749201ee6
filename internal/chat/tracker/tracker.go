// Package tracker routes issue-tracker events (delivered by the webhook
// ingestor) to agents and replies through issue comments. The conversation
// key is the issue id, so all activity on one issue shares a session.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/nextlevelbuilder/fleetd/internal/chat"
	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// Issue event types.
const (
	EventIssueCreated  = "issue_created"
	EventCommentAdded  = "comment_added"
	EventIssueAssigned = "issue_assigned"
	EventStatusChanged = "status_changed"
)

// IssueEvent is a normalised tracker event.
type IssueEvent struct {
	Type            string
	IssueID         string
	Identifier      string
	Title           string
	Description     string
	CreatorID       string
	AssigneeID      string
	TeamKey         string
	State           string
	Labels          []string
	ProjectID       string
	CommentBody     string
	CommentAuthorID string
	URL             string
}

// CommentPoster posts a reply comment on an issue.
type CommentPoster interface {
	PostComment(ctx context.Context, issueID, body string) error
}

// Router matches events against per-agent tracker filters, first match wins
// in agent-name order. With require_assignment set, only assignee matches
// count.
type Router struct {
	cfg     config.TrackerConfig
	agents  map[string]*config.TrackerAgentConfig
	order   []string
	poster  CommentPoster
	handler chat.Handler
	log     *slog.Logger
}

// NewRouter derives routing from the agents that claim tracker events.
func NewRouter(cfg config.TrackerConfig, agents map[string]config.AgentConfig, poster CommentPoster, handler chat.Handler, log *slog.Logger) *Router {
	claimed := make(map[string]*config.TrackerAgentConfig)
	for name, agent := range agents {
		if agent.Chat.Tracker != nil {
			claimed[name] = agent.Chat.Tracker
		}
	}
	order := make([]string, 0, len(claimed))
	for name := range claimed {
		order = append(order, name)
	}
	sort.Strings(order)

	return &Router{
		cfg:     cfg,
		agents:  claimed,
		order:   order,
		poster:  poster,
		handler: handler,
		log:     log,
	}
}

// Route picks the agent for an event. ok=false means the event is ignored;
// reason says why.
func (r *Router) Route(ev IssueEvent) (agent string, ok bool, reason string) {
	// Suppress our own comments outright.
	if ev.Type == EventCommentAdded && r.cfg.APIUserID != "" && ev.CommentAuthorID == r.cfg.APIUserID {
		return "", false, "self-created comment"
	}

	selfCreated := r.cfg.APIUserID != "" && ev.CreatorID == r.cfg.APIUserID

	for _, name := range r.order {
		tc := r.agents[name]
		byAssignment := tc.Assignee != "" && tc.Assignee == ev.AssigneeID
		if r.cfg.RequireAssignment && !byAssignment {
			continue
		}
		if byAssignment || (!r.cfg.RequireAssignment && r.matches(tc, ev)) {
			// A self-created issue only fires when explicitly assigned to an
			// agent, otherwise the fleet would react to its own output.
			if selfCreated && !byAssignment {
				continue
			}
			return name, true, ""
		}
	}
	if selfCreated {
		return "", false, "self-created issue"
	}
	return "", false, "no matching agent"
}

func (r *Router) matches(tc *config.TrackerAgentConfig, ev IssueEvent) bool {
	if tc.Team != "" && tc.Team == ev.TeamKey {
		if len(tc.States) > 0 && !containsFold(tc.States, ev.State) {
			return false
		}
		for _, ex := range tc.ExcludeLabels {
			if containsFold(ev.Labels, ex) {
				return false
			}
		}
		return true
	}
	for _, l := range tc.Labels {
		if containsFold(ev.Labels, l) {
			return true
		}
	}
	if tc.Project != "" && tc.Project == ev.ProjectID {
		return true
	}
	return false
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// HandleEvent routes the event and, when an agent matches, emits a chat
// message event keyed by issue id.
func (r *Router) HandleEvent(ctx context.Context, ev IssueEvent) {
	agent, ok, reason := r.Route(ev)
	if !ok {
		r.log.Debug("chat.message_ignored",
			"platform", "tracker",
			"issue", ev.Identifier,
			"event", ev.Type,
			"reason", reason)
		return
	}

	msg := chat.MessageEvent{
		AgentName: agent,
		Prompt:    r.buildPrompt(ev),
		Metadata: chat.MessageMetadata{
			ChannelID:   ev.IssueID,
			UserID:      ev.CreatorID,
			TriggerKind: "issue_event",
		},
		Reply: func(ctx context.Context, text string) error {
			return r.poster.PostComment(ctx, ev.IssueID, text)
		},
	}

	r.log.Debug("chat.message_received",
		"platform", "tracker",
		"agent", agent,
		"issue", ev.Identifier,
		"event", ev.Type)

	r.handler(ctx, msg)
}

func (r *Router) buildPrompt(ev IssueEvent) string {
	var b strings.Builder
	switch ev.Type {
	case EventCommentAdded:
		fmt.Fprintf(&b, "New comment on issue %s (%s):\n\n%s", ev.Identifier, ev.Title, ev.CommentBody)
	case EventIssueAssigned:
		fmt.Fprintf(&b, "Issue %s was assigned to you: %s\n\n%s", ev.Identifier, ev.Title, ev.Description)
	case EventStatusChanged:
		fmt.Fprintf(&b, "Issue %s (%s) moved to state %q.", ev.Identifier, ev.Title, ev.State)
	default:
		fmt.Fprintf(&b, "New issue %s: %s\n\n%s", ev.Identifier, ev.Title, ev.Description)
	}
	if ev.URL != "" {
		fmt.Fprintf(&b, "\n\n%s", ev.URL)
	}
	return b.String()
}
