// Package hooks runs user-configured lifecycle hooks: shell commands fed the
// payload on stdin, HTTP webhook posts, and chat notifications.
package hooks

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// Hook events.
const (
	EventCompleted        = "completed"
	EventFailed           = "failed"
	EventTimeout          = "timeout"
	EventCancelled        = "cancelled"
	EventContextThreshold = "context_threshold"
	EventSessionStart     = "session_start"
)

// SessionInfo identifies the session a hook fires for.
type SessionInfo struct {
	SessionID        string `json:"session_id"`
	AgentName        string `json:"agent_name"`
	JobID            string `json:"job_id"`
	WorkingDirectory string `json:"working_directory"`
	WorktreePath     string `json:"worktree_path,omitempty"`
	BranchName       string `json:"branch_name,omitempty"`
}

// ContextInfo carries context occupancy figures for context_threshold hooks.
type ContextInfo struct {
	InputTokens      int     `json:"input_tokens"`
	ContextWindow    int     `json:"context_window"`
	UsagePercent     float64 `json:"usage_percent"`
	RemainingPercent float64 `json:"remaining_percent"`
	ModelName        string  `json:"model_name"`
}

// ContextThresholdPayload is delivered to on_context_threshold hooks.
type ContextThresholdPayload struct {
	Event          string      `json:"event"`
	Context        ContextInfo `json:"context"`
	Session        SessionInfo `json:"session"`
	OriginalPrompt string      `json:"original_prompt"`
}

// SessionStartSession extends SessionInfo with continuation details.
type SessionStartSession struct {
	SessionInfo
	IsContinuation    bool   `json:"is_continuation"`
	PreviousSessionID string `json:"previous_session_id,omitempty"`
	HandoffCount      int    `json:"handoff_count"`
}

// SessionStartPayload is delivered to on_session_start hooks.
type SessionStartPayload struct {
	Event   string              `json:"event"`
	Session SessionStartSession `json:"session"`
	Prompt  string              `json:"prompt"`
}

// LifecyclePayload is delivered to terminal-event hooks (completed, failed,
// timeout, cancelled).
type LifecyclePayload struct {
	Event   string      `json:"event"`
	Session SessionInfo `json:"session"`
	Status  string      `json:"status"`
	Summary string      `json:"summary,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// Result is the outcome of one hook invocation.
type Result struct {
	HookName   string        `json:"hook_name,omitempty"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration_ms"`
	ExitCode   *int          `json:"exit_code,omitempty"`
	Output     string        `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Skipped    bool          `json:"skipped,omitempty"`
	SkipReason string        `json:"skip_reason,omitempty"`
}

// Runner executes one hook type.
type Runner interface {
	Run(ctx context.Context, hook config.HookConfig, payload any) Result
}

// ChatPoster posts a notification to a named chat channel. The chat layer
// provides the implementation; a nil poster disables chat_post hooks.
type ChatPoster interface {
	PostNotification(ctx context.Context, channel, text string) error
}

// Pipeline dispatches hook slots to the per-type runners.
type Pipeline struct {
	log     *slog.Logger
	runners map[config.HookType]Runner
}

// NewPipeline wires the standard runners. poster may be nil.
func NewPipeline(log *slog.Logger, poster ChatPoster) *Pipeline {
	return &Pipeline{
		log: log,
		runners: map[config.HookType]Runner{
			config.HookShell:       &ShellRunner{},
			config.HookHTTPWebhook: &HTTPRunner{},
			config.HookChatPost:    &ChatPostRunner{Poster: poster},
		},
	}
}

// Fire runs the hooks of one slot in declaration order for the given event.
// A failed hook with continue_on_error=false stops the slot; hook errors never
// propagate as errors to the caller.
func (p *Pipeline) Fire(ctx context.Context, slot []config.HookConfig, event string, payload any) []Result {
	results := make([]Result, 0, len(slot))
	for _, hook := range slot {
		res := p.fireOne(ctx, hook, event, payload)
		results = append(results, res)
		if !res.Skipped && !res.Success && !hook.ShouldContinueOnError() {
			p.log.Warn("hooks.slot_aborted",
				"hook", hook.Name,
				"event", event)
			break
		}
	}
	return results
}

func (p *Pipeline) fireOne(ctx context.Context, hook config.HookConfig, event string, payload any) Result {
	if len(hook.OnEvents) > 0 && !containsString(hook.OnEvents, event) {
		return Result{HookName: hook.Name, Success: true, Skipped: true, SkipReason: "event filtered"}
	}
	if hook.When != "" {
		ok, err := evalWhen(hook.When, payload)
		if err != nil {
			p.log.Warn("hooks.when_error", "hook", hook.Name, "when", hook.When, "error", err)
			return Result{HookName: hook.Name, Success: false, Error: err.Error()}
		}
		if !ok {
			return Result{HookName: hook.Name, Success: true, Skipped: true, SkipReason: "when predicate false"}
		}
	}

	runner, ok := p.runners[hook.Type]
	if !ok {
		return Result{HookName: hook.Name, Success: false, Error: "unknown hook type " + string(hook.Type)}
	}

	start := time.Now()
	res := runner.Run(ctx, hook, payload)
	res.HookName = hook.Name
	res.Duration = time.Since(start)

	level := slog.LevelDebug
	if !res.Success {
		level = slog.LevelWarn
	}
	p.log.Log(ctx, level, "hooks.fired",
		"hook", hook.Name,
		"type", string(hook.Type),
		"event", event,
		"success", res.Success,
		"duration_ms", res.Duration.Milliseconds())
	return res
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// evalWhen resolves a dot path into the JSON shape of the payload and reports
// whether the value is truthy. Missing paths are false, not errors.
func evalWhen(path string, payload any) (bool, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		return false, err
	}

	cur := root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return false, nil
		}
		cur, ok = m[part]
		if !ok {
			return false, nil
		}
	}
	return truthy(cur), nil
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return t != "" && !strings.EqualFold(t, "false")
	case float64:
		return t != 0
	case nil:
		return false
	default:
		return true
	}
}
