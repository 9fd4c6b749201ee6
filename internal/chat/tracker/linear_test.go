package tracker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinearPayloadIssueCreated(t *testing.T) {
	payload := map[string]any{
		"type":   "Issue",
		"action": "create",
		"data": map[string]any{
			"id":          "issue-uuid-1",
			"identifier":  "ENG-42",
			"title":       "Fix the flaky deploy",
			"description": "It fails every third run.",
			"creatorId":   "user-1",
			"url":         "https://linear.app/acme/issue/ENG-42",
			"team":        map[string]any{"key": "ENG"},
			"state":       map[string]any{"name": "Todo"},
			"labels":      []any{map[string]any{"name": "bug"}},
		},
	}

	ev, ok := ParseLinearPayload(payload)
	require.True(t, ok)
	assert.Equal(t, EventIssueCreated, ev.Type)
	assert.Equal(t, "issue-uuid-1", ev.IssueID)
	assert.Equal(t, "ENG-42", ev.Identifier)
	assert.Equal(t, "ENG", ev.TeamKey)
	assert.Equal(t, "Todo", ev.State)
	assert.Equal(t, []string{"bug"}, ev.Labels)
}

func TestParseLinearPayloadAssignment(t *testing.T) {
	payload := map[string]any{
		"type":   "Issue",
		"action": "update",
		"data": map[string]any{
			"id":         "issue-uuid-2",
			"identifier": "ENG-43",
			"title":      "Upgrade runtime",
			"assigneeId": "bot-user",
		},
		"updatedFrom": map[string]any{"assigneeId": nil},
	}

	ev, ok := ParseLinearPayload(payload)
	require.True(t, ok)
	assert.Equal(t, EventIssueAssigned, ev.Type)
	assert.Equal(t, "bot-user", ev.AssigneeID)
}

func TestParseLinearPayloadCommentCreated(t *testing.T) {
	payload := map[string]any{
		"type":   "Comment",
		"action": "create",
		"data": map[string]any{
			"body":   "please also update the docs",
			"userId": "user-9",
			"issue": map[string]any{
				"id":         "issue-uuid-3",
				"identifier": "ENG-44",
				"title":      "Document the API",
			},
		},
	}

	ev, ok := ParseLinearPayload(payload)
	require.True(t, ok)
	assert.Equal(t, EventCommentAdded, ev.Type)
	assert.Equal(t, "issue-uuid-3", ev.IssueID)
	assert.Equal(t, "please also update the docs", ev.CommentBody)
	assert.Equal(t, "user-9", ev.CommentAuthorID)
}

func TestParseLinearPayloadIgnoresIrrelevant(t *testing.T) {
	_, ok := ParseLinearPayload(map[string]any{"type": "Reaction", "action": "create", "data": map[string]any{}})
	assert.False(t, ok)

	// An update touching neither assignee nor state is noise.
	_, ok = ParseLinearPayload(map[string]any{
		"type":        "Issue",
		"action":      "update",
		"data":        map[string]any{"id": "x"},
		"updatedFrom": map[string]any{"title": "old"},
	})
	assert.False(t, ok)
}

func TestLinearClientPostComment(t *testing.T) {
	var got struct {
		Query     string `json:"query"`
		Variables struct {
			Input struct {
				IssueID string `json:"issueId"`
				Body    string `json:"body"`
			} `json:"input"`
		} `json:"variables"`
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"data":{"commentCreate":{"success":true}}}`))
	}))
	defer srv.Close()

	t.Setenv("LINEAR_TOKEN", "secret-token")
	client, err := NewLinearClient("LINEAR_TOKEN")
	require.NoError(t, err)
	client.SetURL(srv.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.PostComment(ctx, "issue-uuid-1", "done, see the attached diff"))
	assert.Equal(t, "issue-uuid-1", got.Variables.Input.IssueID)
	assert.Contains(t, got.Query, "commentCreate")
}

func TestLinearClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errors":[{"message":"issue not found"}]}`))
	}))
	defer srv.Close()

	t.Setenv("LINEAR_TOKEN", "tok")
	client, err := NewLinearClient("LINEAR_TOKEN")
	require.NoError(t, err)
	client.SetURL(srv.URL)

	err = client.PostComment(context.Background(), "nope", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "issue not found")
}

func TestNewLinearClientMissingToken(t *testing.T) {
	_, err := NewLinearClient("FLEETD_TEST_UNSET_TOKEN")
	require.Error(t, err)
}
