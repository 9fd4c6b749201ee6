package chat

import (
	"context"
	"fmt"
	"strings"
)

// CommandActions are the operations prefix commands need from the fleet.
type CommandActions struct {
	// ResetSession clears the conversation key and reports whether one existed.
	ResetSession func(ctx context.Context, agent, conversationKey string) (bool, error)
	// Status renders a short status line for the agent.
	Status func(ctx context.Context, agent string) (string, error)
}

// Commands parses and executes prefix commands ("!help", "!reset", "!status").
type Commands struct {
	prefix  string
	actions CommandActions
}

// NewCommands builds a command handler with the configured prefix.
func NewCommands(prefix string, actions CommandActions) *Commands {
	if prefix == "" {
		prefix = "!"
	}
	return &Commands{prefix: prefix, actions: actions}
}

// IsCommand reports whether content starts with the command prefix.
func (c *Commands) IsCommand(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, c.prefix) && len(trimmed) > len(c.prefix)
}

// Handle executes the command in content. handled is false when the content is
// not a command; unknown commands are handled with a pointer to help.
func (c *Commands) Handle(ctx context.Context, agent, conversationKey, content string) (handled bool, reply string) {
	if !c.IsCommand(content) {
		return false, ""
	}
	word := strings.Fields(strings.TrimPrefix(strings.TrimSpace(content), c.prefix))[0]

	switch strings.ToLower(word) {
	case "help":
		return true, c.helpText()
	case "reset":
		if c.actions.ResetSession == nil {
			return true, "Session reset is not available."
		}
		existed, err := c.actions.ResetSession(ctx, agent, conversationKey)
		if err != nil {
			return true, "Failed to reset session: " + err.Error()
		}
		if !existed {
			return true, "No active session to reset."
		}
		return true, "Session cleared. The next message starts fresh."
	case "status":
		if c.actions.Status == nil {
			return true, "Status is not available."
		}
		status, err := c.actions.Status(ctx, agent)
		if err != nil {
			return true, "Failed to fetch status: " + err.Error()
		}
		return true, status
	default:
		return true, fmt.Sprintf("Unknown command %s%s. Try %shelp.", c.prefix, word, c.prefix)
	}
}

func (c *Commands) helpText() string {
	p := c.prefix
	return strings.Join([]string{
		"Available commands:",
		p + "help - show this message",
		p + "reset - clear the conversation session",
		p + "status - show agent status",
	}, "\n")
}
