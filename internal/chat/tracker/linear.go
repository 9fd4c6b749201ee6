package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

const linearAPIURL = "https://api.linear.app/graphql"

// LinearClient posts reply comments through the Linear GraphQL API.
type LinearClient struct {
	token  string
	url    string
	client *http.Client
}

// NewLinearClient resolves the API token from the configured env var.
func NewLinearClient(tokenEnv string) (*LinearClient, error) {
	token, err := config.ResolveToken(tokenEnv)
	if err != nil {
		return nil, fmt.Errorf("linear tracker: %w", err)
	}
	return &LinearClient{
		token:  token,
		url:    linearAPIURL,
		client: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// SetURL redirects API calls, for tests.
func (c *LinearClient) SetURL(u string) { c.url = u }

// PostComment creates a comment on the issue.
func (c *LinearClient) PostComment(ctx context.Context, issueID, body string) error {
	payload := map[string]any{
		"query": `mutation CommentCreate($input: CommentCreateInput!) {
			commentCreate(input: $input) { success }
		}`,
		"variables": map[string]any{
			"input": map[string]string{"issueId": issueID, "body": body},
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode comment: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("linear: status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out struct {
		Data struct {
			CommentCreate struct {
				Success bool `json:"success"`
			} `json:"commentCreate"`
		} `json:"data"`
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("linear: decode response: %w", err)
	}
	if len(out.Errors) > 0 {
		return fmt.Errorf("linear: %s", out.Errors[0].Message)
	}
	if !out.Data.CommentCreate.Success {
		return fmt.Errorf("linear: comment create reported failure")
	}
	return nil
}

// ParseLinearPayload normalises a Linear webhook payload into an IssueEvent.
// ok=false means the payload is not an issue or comment event we route.
func ParseLinearPayload(payload map[string]any) (IssueEvent, bool) {
	typ, _ := payload["type"].(string)
	action, _ := payload["action"].(string)
	data, _ := payload["data"].(map[string]any)
	if data == nil {
		return IssueEvent{}, false
	}

	switch typ {
	case "Issue":
		ev := issueFromData(data)
		switch action {
		case "create":
			ev.Type = EventIssueCreated
		case "update":
			// Linear reports field-level updates; assignment and state moves
			// are the two we act on.
			if ev.AssigneeID != "" && updatedField(payload, "assigneeId") {
				ev.Type = EventIssueAssigned
			} else if updatedField(payload, "stateId") {
				ev.Type = EventStatusChanged
			} else {
				return IssueEvent{}, false
			}
		default:
			return IssueEvent{}, false
		}
		return ev, true

	case "Comment":
		if action != "create" {
			return IssueEvent{}, false
		}
		issue, _ := data["issue"].(map[string]any)
		if issue == nil {
			return IssueEvent{}, false
		}
		ev := issueFromData(issue)
		ev.Type = EventCommentAdded
		ev.CommentBody, _ = data["body"].(string)
		ev.CommentAuthorID, _ = data["userId"].(string)
		if url, ok := data["url"].(string); ok && url != "" {
			ev.URL = url
		}
		return ev, true
	}
	return IssueEvent{}, false
}

func issueFromData(data map[string]any) IssueEvent {
	ev := IssueEvent{}
	ev.IssueID, _ = data["id"].(string)
	ev.Identifier, _ = data["identifier"].(string)
	ev.Title, _ = data["title"].(string)
	ev.Description, _ = data["description"].(string)
	ev.CreatorID, _ = data["creatorId"].(string)
	ev.AssigneeID, _ = data["assigneeId"].(string)
	ev.URL, _ = data["url"].(string)

	if team, ok := data["team"].(map[string]any); ok {
		ev.TeamKey, _ = team["key"].(string)
	}
	if st, ok := data["state"].(map[string]any); ok {
		ev.State, _ = st["name"].(string)
	}
	if proj, ok := data["project"].(map[string]any); ok {
		ev.ProjectID, _ = proj["id"].(string)
	}
	if labels, ok := data["labels"].([]any); ok {
		for _, l := range labels {
			if lm, ok := l.(map[string]any); ok {
				if name, ok := lm["name"].(string); ok {
					ev.Labels = append(ev.Labels, name)
				}
			}
		}
	}
	return ev
}

// updatedField reports whether the webhook's updatedFrom block names field,
// meaning the update changed it.
func updatedField(payload map[string]any, field string) bool {
	from, ok := payload["updatedFrom"].(map[string]any)
	if !ok {
		return false
	}
	_, changed := from[field]
	return changed
}
