package tracker

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/fleetd/internal/chat"
	"github.com/nextlevelbuilder/fleetd/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func agentsFixture() map[string]config.AgentConfig {
	return map[string]config.AgentConfig{
		"coder": {
			Chat: config.AgentChatConfig{
				Tracker: &config.TrackerAgentConfig{Assignee: "user-coder"},
			},
		},
		"triager": {
			Chat: config.AgentChatConfig{
				Tracker: &config.TrackerAgentConfig{
					Team:          "ENG",
					States:        []string{"triage", "backlog"},
					ExcludeLabels: []string{"no-bot"},
				},
			},
		},
		"docs": {
			Chat: config.AgentChatConfig{
				Tracker: &config.TrackerAgentConfig{Labels: []string{"documentation"}},
			},
		},
	}
}

func newTestRouter(cfg config.TrackerConfig) *Router {
	return NewRouter(cfg, agentsFixture(), nil, nil, testLogger())
}

func TestRouteByAssignee(t *testing.T) {
	r := newTestRouter(config.TrackerConfig{})
	agent, ok, _ := r.Route(IssueEvent{
		Type:       EventIssueAssigned,
		AssigneeID: "user-coder",
	})
	require.True(t, ok)
	assert.Equal(t, "coder", agent)
}

func TestRouteByTeamWithStateAllowlist(t *testing.T) {
	r := newTestRouter(config.TrackerConfig{})

	agent, ok, _ := r.Route(IssueEvent{Type: EventIssueCreated, TeamKey: "ENG", State: "triage"})
	require.True(t, ok)
	assert.Equal(t, "triager", agent)

	_, ok, reason := r.Route(IssueEvent{Type: EventIssueCreated, TeamKey: "ENG", State: "done"})
	assert.False(t, ok)
	assert.Equal(t, "no matching agent", reason)
}

func TestRouteTeamExcludeLabels(t *testing.T) {
	r := newTestRouter(config.TrackerConfig{})
	_, ok, _ := r.Route(IssueEvent{
		Type:    EventIssueCreated,
		TeamKey: "ENG",
		State:   "triage",
		Labels:  []string{"no-bot"},
	})
	assert.False(t, ok)
}

func TestRouteByLabel(t *testing.T) {
	r := newTestRouter(config.TrackerConfig{})
	agent, ok, _ := r.Route(IssueEvent{
		Type:   EventIssueCreated,
		Labels: []string{"Documentation"},
	})
	require.True(t, ok)
	assert.Equal(t, "docs", agent)
}

func TestRouteFirstMatchWins(t *testing.T) {
	r := newTestRouter(config.TrackerConfig{})
	// Matches both coder (assignee) and triager (team); coder sorts first.
	agent, ok, _ := r.Route(IssueEvent{
		Type:       EventIssueCreated,
		AssigneeID: "user-coder",
		TeamKey:    "ENG",
		State:      "triage",
	})
	require.True(t, ok)
	assert.Equal(t, "coder", agent)
}

func TestRequireAssignmentIgnoresFilterMatches(t *testing.T) {
	r := newTestRouter(config.TrackerConfig{RequireAssignment: true})

	_, ok, _ := r.Route(IssueEvent{Type: EventIssueCreated, TeamKey: "ENG", State: "triage"})
	assert.False(t, ok, "team filter alone must not match")

	agent, ok, _ := r.Route(IssueEvent{Type: EventIssueCreated, AssigneeID: "user-coder"})
	require.True(t, ok)
	assert.Equal(t, "coder", agent)
}

func TestSelfCreatedIssueSuppressed(t *testing.T) {
	r := newTestRouter(config.TrackerConfig{APIUserID: "bot-user"})

	_, ok, reason := r.Route(IssueEvent{
		Type:      EventIssueCreated,
		CreatorID: "bot-user",
		TeamKey:   "ENG",
		State:     "triage",
	})
	assert.False(t, ok)
	assert.Equal(t, "self-created issue", reason)

	// Explicit assignment to a configured agent overrides the suppression.
	agent, ok, _ := r.Route(IssueEvent{
		Type:       EventIssueAssigned,
		CreatorID:  "bot-user",
		AssigneeID: "user-coder",
	})
	require.True(t, ok)
	assert.Equal(t, "coder", agent)
}

func TestSelfCommentSuppressed(t *testing.T) {
	r := newTestRouter(config.TrackerConfig{APIUserID: "bot-user"})
	_, ok, reason := r.Route(IssueEvent{
		Type:            EventCommentAdded,
		CommentAuthorID: "bot-user",
		AssigneeID:      "user-coder",
	})
	assert.False(t, ok)
	assert.Equal(t, "self-created comment", reason)
}

type fakePoster struct {
	issueID string
	body    string
}

func (f *fakePoster) PostComment(_ context.Context, issueID, body string) error {
	f.issueID = issueID
	f.body = body
	return nil
}

func TestHandleEventEmitsMessage(t *testing.T) {
	poster := &fakePoster{}
	var got chat.MessageEvent
	handler := func(_ context.Context, ev chat.MessageEvent) { got = ev }

	r := NewRouter(config.TrackerConfig{}, agentsFixture(), poster, handler, testLogger())
	r.HandleEvent(context.Background(), IssueEvent{
		Type:       EventIssueCreated,
		IssueID:    "u1",
		Identifier: "ENG-42",
		Title:      "fix the build",
		TeamKey:    "ENG",
		State:      "triage",
	})

	assert.Equal(t, "triager", got.AgentName)
	assert.Equal(t, "u1", got.Metadata.ChannelID, "conversation key is the issue id")
	assert.Contains(t, got.Prompt, "ENG-42")
	assert.Contains(t, got.Prompt, "fix the build")

	require.NotNil(t, got.Reply)
	require.NoError(t, got.Reply(context.Background(), "on it"))
	assert.Equal(t, "u1", poster.issueID)
	assert.Equal(t, "on it", poster.body)
}

func TestHandleEventIgnoredDoesNotEmit(t *testing.T) {
	called := false
	r := NewRouter(config.TrackerConfig{}, agentsFixture(), nil,
		func(context.Context, chat.MessageEvent) { called = true }, testLogger())

	r.HandleEvent(context.Background(), IssueEvent{Type: EventIssueCreated, TeamKey: "SALES"})
	assert.False(t, called)
}
