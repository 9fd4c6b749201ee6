// Package config defines the fleet configuration model.
//
// The config file is JSON5 (comments and trailing commas allowed). Secrets are
// never stored in the file itself: token fields name an environment variable
// and the loader resolves it at load time.
package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config is the root configuration for the fleet control plane.
type Config struct {
	Fleet    FleetSettings               `json:"fleet"`
	Agents   map[string]AgentConfig      `json:"agents"`
	Chat     ChatPlatformsConfig         `json:"chat,omitempty"`
	Webhooks WebhookConfig               `json:"webhooks,omitempty"`
	Sources  map[string]WorkSourceConfig `json:"work_sources,omitempty"`
}

// FleetSettings are process-wide settings.
type FleetSettings struct {
	StateRoot        string `json:"state_root,omitempty"`         // default "~/.fleetd"
	ShutdownGrace    string `json:"shutdown_grace,omitempty"`     // drain window for in-flight jobs (default "30s")
	SchedulerTick    string `json:"scheduler_tick,omitempty"`     // scheduler poll interval (default "1s")
	DefaultRuntime   string `json:"default_runtime,omitempty"`    // "subprocess" (default) or "in_process"
	AnthropicKeyEnv  string `json:"anthropic_key_env,omitempty"`  // env var holding the API key for in_process runtime
	ClaudeBinary     string `json:"claude_binary,omitempty"`      // subprocess runtime binary (default "claude")
	IdempotencyTTL   string `json:"idempotency_ttl,omitempty"`    // webhook delivery-id retention (default "24h")
	ChatSessionTTL   string `json:"chat_session_ttl,omitempty"`   // conversation key expiry for chat (default "24h")
	IssueSessionTTL  string `json:"issue_session_ttl,omitempty"`  // conversation key expiry for issue trackers (default "168h")
}

// ShutdownGraceDuration returns the parsed drain window with the default applied.
func (f FleetSettings) ShutdownGraceDuration() time.Duration {
	return parseDurationOr(f.ShutdownGrace, 30*time.Second)
}

// SchedulerTickDuration returns the parsed scheduler tick with the default applied.
func (f FleetSettings) SchedulerTickDuration() time.Duration {
	return parseDurationOr(f.SchedulerTick, time.Second)
}

// IdempotencyTTLDuration returns the webhook delivery-id retention window.
func (f FleetSettings) IdempotencyTTLDuration() time.Duration {
	return parseDurationOr(f.IdempotencyTTL, 24*time.Hour)
}

// ChatSessionTTLDuration returns the chat conversation-key expiry.
func (f FleetSettings) ChatSessionTTLDuration() time.Duration {
	return parseDurationOr(f.ChatSessionTTL, 24*time.Hour)
}

// IssueSessionTTLDuration returns the issue-tracker conversation-key expiry.
func (f FleetSettings) IssueSessionTTLDuration() time.Duration {
	return parseDurationOr(f.IssueSessionTTL, 168*time.Hour)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// PermissionMode controls how the runtime handles tool permission prompts.
type PermissionMode string

const (
	PermissionDefault     PermissionMode = "default"
	PermissionAcceptEdits PermissionMode = "accept_edits"
	PermissionBypass      PermissionMode = "bypass"
	PermissionPlan        PermissionMode = "plan"
	PermissionDelegate    PermissionMode = "delegate"
	PermissionDontAsk     PermissionMode = "dont_ask"
)

// SessionMode controls whether an agent's session survives across jobs.
type SessionMode string

const (
	SessionPersistent SessionMode = "persistent"
	SessionEphemeral  SessionMode = "ephemeral"
)

// AgentConfig is one named agent. The map key in Config.Agents is the agent
// name; Name is populated by the loader.
type AgentConfig struct {
	Name             string                  `json:"-"`
	Model            string                  `json:"model,omitempty"`
	SystemPrompt     SystemPromptSpec        `json:"system_prompt,omitempty"`
	PermissionMode   PermissionMode          `json:"permission_mode,omitempty"`
	AllowedTools     []string                `json:"allowed_tools,omitempty"`
	DeniedTools      []string                `json:"denied_tools,omitempty"`
	MaxTurns         int                     `json:"max_turns,omitempty"`
	SessionMode      SessionMode             `json:"session_mode,omitempty"`   // default "persistent"
	ContextThreshold float64                 `json:"context_threshold,omitempty"` // remaining fraction that triggers handoff, default 0.10
	MaxHandoffs      int                     `json:"max_handoffs,omitempty"`      // default 3
	WorkingDirectory string                  `json:"working_directory"`
	Workspace        WorkspaceConfig         `json:"workspace,omitempty"`
	RuntimeType      string                  `json:"runtime_type,omitempty"` // "subprocess" (default) or "in_process"
	Env              map[string]string       `json:"env,omitempty"`
	MCPServers       map[string]MCPServer    `json:"mcp_servers,omitempty"`
	Schedules        map[string]Schedule     `json:"schedules,omitempty"`
	Chat             AgentChatConfig         `json:"chat,omitempty"`
	Hooks            map[string][]HookConfig `json:"hooks,omitempty"` // slot → hooks, e.g. "on_context_threshold"
	MaxConcurrent    int                     `json:"max_concurrent,omitempty"` // default 1
	Timeout          string                  `json:"timeout,omitempty"`        // wall-clock job timeout (default none)
}

// EffectiveContextThreshold returns the configured threshold clamped to (0,1],
// defaulting to 0.10 remaining.
func (a AgentConfig) EffectiveContextThreshold() float64 {
	t := a.ContextThreshold
	if t <= 0 || t > 1 {
		return 0.10
	}
	return t
}

// EffectiveMaxHandoffs returns the handoff bound with the default applied.
func (a AgentConfig) EffectiveMaxHandoffs() int {
	if a.MaxHandoffs <= 0 {
		return 3
	}
	return a.MaxHandoffs
}

// EffectiveMaxConcurrent returns the per-agent job bound with the default applied.
func (a AgentConfig) EffectiveMaxConcurrent() int {
	if a.MaxConcurrent <= 0 {
		return 1
	}
	return a.MaxConcurrent
}

// JobTimeout returns the wall-clock timeout, or zero when unlimited.
func (a AgentConfig) JobTimeout() time.Duration {
	if a.Timeout == "" {
		return 0
	}
	d, err := time.ParseDuration(a.Timeout)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// SystemPromptSpec accepts either a plain string or {preset, append}.
type SystemPromptSpec struct {
	Text   string `json:"-"`
	Preset string `json:"preset,omitempty"`
	Append string `json:"append,omitempty"`
}

func (s *SystemPromptSpec) UnmarshalJSON(data []byte) error {
	var text string
	if err := json.Unmarshal(data, &text); err == nil {
		s.Text = text
		return nil
	}
	type alias struct {
		Preset string `json:"preset"`
		Append string `json:"append"`
	}
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("system_prompt must be a string or {preset, append}: %w", err)
	}
	s.Preset = a.Preset
	s.Append = a.Append
	return nil
}

// IsZero reports whether no system prompt was configured.
func (s SystemPromptSpec) IsZero() bool {
	return s.Text == "" && s.Preset == "" && s.Append == ""
}

// MCPServer is an opaque MCP server definition passed through to the runtime.
type MCPServer struct {
	Command string            `json:"command,omitempty"`
	Args    []string          `json:"args,omitempty"`
	URL     string            `json:"url,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
}

// ScheduleType is the trigger class of a schedule.
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval"
	ScheduleCron     ScheduleType = "cron"
	ScheduleWebhook  ScheduleType = "webhook"
	ScheduleChat     ScheduleType = "chat"
)

// Schedule drives when the fleet manager triggers its owning agent.
type Schedule struct {
	Type          ScheduleType `json:"type"`
	Interval      string       `json:"interval,omitempty"`   // for type=interval, Go duration
	Expression    string       `json:"expression,omitempty"` // for type=cron
	Prompt        string       `json:"prompt,omitempty"`     // static default prompt
	WorkSource    string       `json:"work_source,omitempty"` // named work source to poll before triggering
	Enabled       *bool        `json:"enabled,omitempty"`     // default true
	ResumeSession bool         `json:"resume_session,omitempty"`
}

// IsEnabled returns the enabled flag with the default applied.
func (s Schedule) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// IntervalDuration returns the parsed interval (zero when unset or invalid).
func (s Schedule) IntervalDuration() time.Duration {
	if s.Interval == "" {
		return 0
	}
	d, err := time.ParseDuration(s.Interval)
	if err != nil || d <= 0 {
		return 0
	}
	return d
}

// HookType selects the hook runner.
type HookType string

const (
	HookShell       HookType = "shell"
	HookHTTPWebhook HookType = "http_webhook"
	HookChatPost    HookType = "chat_post"
)

// HookConfig is one user-configured hook in a lifecycle slot.
type HookConfig struct {
	Type            HookType `json:"type"`
	Name            string   `json:"name,omitempty"`
	Command         string   `json:"command,omitempty"` // shell
	URL             string   `json:"url,omitempty"`     // http_webhook
	Channel         string   `json:"channel,omitempty"` // chat_post: "<platform>:<channel_id>"
	OnEvents        []string `json:"on_events,omitempty"`
	When            string   `json:"when,omitempty"` // dot-path predicate into the payload
	ContinueOnError *bool    `json:"continue_on_error,omitempty"` // default true
	Timeout         string   `json:"timeout,omitempty"`           // default "60s"
}

// ShouldContinueOnError returns the flag with the default applied.
func (h HookConfig) ShouldContinueOnError() bool {
	return h.ContinueOnError == nil || *h.ContinueOnError
}

// TimeoutDuration returns the hook timeout with the default applied.
func (h HookConfig) TimeoutDuration() time.Duration {
	return parseDurationOr(h.Timeout, 60*time.Second)
}

// WorkspaceConfig selects and parameterises the workspace strategy.
type WorkspaceConfig struct {
	Strategy      string `json:"strategy,omitempty"`       // "static" (default) or "git_worktree"
	BaseBranch    string `json:"base_branch,omitempty"`    // default "main"
	BranchPattern string `json:"branch_pattern,omitempty"` // default "fleet/{agent}/{job_id}"
	WorktreeDir   string `json:"worktree_dir,omitempty"`   // default ".fleet-worktrees"
	PushOnSuccess *bool  `json:"push_on_success,omitempty"` // default true
	CommitMessage string `json:"commit_message,omitempty"`  // template, default "fleet: {summary}"
}

// PushEnabled returns the push flag with the default applied.
func (w WorkspaceConfig) PushEnabled() bool {
	return w.PushOnSuccess == nil || *w.PushOnSuccess
}

// AgentChatConfig declares which chat conversations route to this agent.
type AgentChatConfig struct {
	Discord  *DiscordAgentConfig  `json:"discord,omitempty"`
	Telegram *TelegramAgentConfig `json:"telegram,omitempty"`
	Tracker  *TrackerAgentConfig  `json:"tracker,omitempty"`
}

// DiscordAgentConfig claims channels on the shared Discord connector.
type DiscordAgentConfig struct {
	Channels       []string `json:"channels"`                  // channel IDs owned by this agent
	RequireMention *bool    `json:"require_mention,omitempty"` // default true
}

// MentionRequired returns the flag with the default applied.
func (d DiscordAgentConfig) MentionRequired() bool {
	return d.RequireMention == nil || *d.RequireMention
}

// TelegramAgentConfig gives the agent its own Telegram bot identity.
type TelegramAgentConfig struct {
	TokenEnv   string   `json:"token_env"` // env var holding the bot token
	AllowChats []string `json:"allow_chats,omitempty"`
}

// TrackerAgentConfig routes issue-tracker events to this agent.
type TrackerAgentConfig struct {
	Assignee      string   `json:"assignee,omitempty"`
	Team          string   `json:"team,omitempty"`
	States        []string `json:"states,omitempty"`         // allowlist, empty = any
	ExcludeLabels []string `json:"exclude_labels,omitempty"`
	Labels        []string `json:"labels,omitempty"`
	Project       string   `json:"project,omitempty"`
}

// ChatPlatformsConfig holds fleet-level connector settings.
type ChatPlatformsConfig struct {
	Discord       *DiscordConfig `json:"discord,omitempty"`
	Tracker       *TrackerConfig `json:"tracker,omitempty"`
	CommandPrefix string         `json:"command_prefix,omitempty"` // default "!"
}

// Prefix returns the command prefix with the default applied.
func (c ChatPlatformsConfig) Prefix() string {
	if c.CommandPrefix == "" {
		return "!"
	}
	return c.CommandPrefix
}

// DiscordConfig configures the shared Discord connector (one identity for the
// whole workspace; channel → agent routing comes from agent chat configs).
type DiscordConfig struct {
	TokenEnv string `json:"token_env"`
}

// TrackerConfig configures the issue-tracker connector (webhook-driven).
type TrackerConfig struct {
	Provider          string `json:"provider,omitempty"`           // "linear" (default)
	TokenEnv          string `json:"token_env,omitempty"`          // API token for posting reply comments
	APIUserID         string `json:"api_user_id,omitempty"`        // suppress self-created issues
	RequireAssignment bool   `json:"require_assignment,omitempty"` // conflict resolution: explicit assignee wins
}

// WebhookConfig configures the HTTP ingestor.
type WebhookConfig struct {
	Addr      string                    `json:"addr,omitempty"` // default ":8787"
	Providers map[string]ProviderConfig `json:"providers,omitempty"`
	Routes    []RouteConfig             `json:"routes,omitempty"`
}

// ListenAddr returns the bind address with the default applied.
func (w WebhookConfig) ListenAddr() string {
	if w.Addr == "" {
		return ":8787"
	}
	return w.Addr
}

// ProviderConfig describes signature verification for one webhook provider.
type ProviderConfig struct {
	Kind      string `json:"kind"` // "github", "linear", "slack", "generic"
	SecretEnv string `json:"secret_env"`
}

// RouteConfig matches an incoming webhook to an agent trigger.
type RouteConfig struct {
	Name       string            `json:"name"`
	Source     string            `json:"source"` // provider name
	Event      string            `json:"event,omitempty"`
	Action     string            `json:"action,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"` // dot-path → expected value
	Agent      string            `json:"agent"`
	Prompt     string            `json:"prompt"`             // template with {{dot.path}} substitution
	SessionKey string            `json:"session_key,omitempty"` // dot-path into the payload
}

// WorkSourceConfig describes one external work source.
type WorkSourceConfig struct {
	Type             string   `json:"type"` // "github"
	Repo             string   `json:"repo,omitempty"` // "owner/name"
	TokenEnv         string   `json:"token_env,omitempty"`
	ReadyLabel       string   `json:"ready_label,omitempty"`       // default "ready"
	InProgressLabel  string   `json:"in_progress_label,omitempty"` // default "in_progress"
	ExcludeLabels    []string `json:"exclude_labels,omitempty"`
	CleanupOnFailure *bool    `json:"cleanup_on_failure,omitempty"` // default true
	WarnRemaining    int      `json:"warn_remaining,omitempty"`     // rate-limit warning threshold (default 100)
	Retry            RetryConfig `json:"retry,omitempty"`
}

// CleanupEnabled returns the release cleanup flag with the default applied.
func (w WorkSourceConfig) CleanupEnabled() bool {
	return w.CleanupOnFailure == nil || *w.CleanupOnFailure
}

// EffectiveReadyLabel returns the ready label with the default applied.
func (w WorkSourceConfig) EffectiveReadyLabel() string {
	if w.ReadyLabel == "" {
		return "ready"
	}
	return w.ReadyLabel
}

// EffectiveInProgressLabel returns the in-progress label with the default applied.
func (w WorkSourceConfig) EffectiveInProgressLabel() string {
	if w.InProgressLabel == "" {
		return "in_progress"
	}
	return w.InProgressLabel
}

// RetryConfig bounds work-source retry backoff.
type RetryConfig struct {
	MaxRetries int     `json:"max_retries,omitempty"` // default 3
	BaseDelay  string  `json:"base_delay,omitempty"`  // default "1s"
	MaxDelay   string  `json:"max_delay,omitempty"`   // default "30s"
	Jitter     float64 `json:"jitter,omitempty"`      // 0..1, default 0.2
}

// BaseDelayDuration returns the base delay with the default applied.
func (r RetryConfig) BaseDelayDuration() time.Duration {
	return parseDurationOr(r.BaseDelay, time.Second)
}

// MaxDelayDuration returns the cap with the default applied.
func (r RetryConfig) MaxDelayDuration() time.Duration {
	return parseDurationOr(r.MaxDelay, 30*time.Second)
}

// EffectiveMaxRetries returns the retry bound with the default applied.
func (r RetryConfig) EffectiveMaxRetries() int {
	if r.MaxRetries <= 0 {
		return 3
	}
	return r.MaxRetries
}
