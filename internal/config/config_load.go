package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/titanous/json5"
)

// Load reads, parses, and validates a fleet config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := json5.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerived fills in fields derived from map keys and expands paths.
func (c *Config) applyDerived() {
	for name, a := range c.Agents {
		a.Name = name
		a.WorkingDirectory = ExpandHome(a.WorkingDirectory)
		c.Agents[name] = a
	}
	c.Fleet.StateRoot = ExpandHome(c.Fleet.StateRoot)
	if c.Fleet.StateRoot == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.Fleet.StateRoot = filepath.Join(home, ".fleetd")
		} else {
			c.Fleet.StateRoot = ".fleetd"
		}
	}
}

// ExpandHome expands a leading "~/" to the user home directory.
func ExpandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}

// ResolveToken reads the env var named by envName. Returns an error naming the
// variable when it is unset, so misconfiguration surfaces at initialise.
func ResolveToken(envName string) (string, error) {
	if envName == "" {
		return "", fmt.Errorf("token env var name not configured")
	}
	v := os.Getenv(envName)
	if v == "" {
		return "", fmt.Errorf("env var %s is not set", envName)
	}
	return v, nil
}

// Validate checks the whole config and reports the first problem with a
// path+field description.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("agents: at least one agent must be configured")
	}

	// Deterministic error ordering.
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)

	gx := gronx.New()

	for _, name := range names {
		a := c.Agents[name]
		prefix := "agents." + name

		if a.WorkingDirectory == "" {
			return fmt.Errorf("%s.working_directory: required", prefix)
		}
		if a.ContextThreshold < 0 || a.ContextThreshold > 1 {
			return fmt.Errorf("%s.context_threshold: must be in (0,1], got %v", prefix, a.ContextThreshold)
		}
		switch a.SessionMode {
		case "", SessionPersistent, SessionEphemeral:
		default:
			return fmt.Errorf("%s.session_mode: unknown mode %q", prefix, a.SessionMode)
		}
		switch a.PermissionMode {
		case "", PermissionDefault, PermissionAcceptEdits, PermissionBypass,
			PermissionPlan, PermissionDelegate, PermissionDontAsk:
		default:
			return fmt.Errorf("%s.permission_mode: unknown mode %q", prefix, a.PermissionMode)
		}
		switch a.RuntimeType {
		case "", "subprocess", "in_process":
		default:
			return fmt.Errorf("%s.runtime_type: unknown type %q", prefix, a.RuntimeType)
		}
		switch a.Workspace.Strategy {
		case "", "static", "git_worktree":
		default:
			return fmt.Errorf("%s.workspace.strategy: unknown strategy %q", prefix, a.Workspace.Strategy)
		}

		for schedName, s := range a.Schedules {
			sp := prefix + ".schedules." + schedName
			switch s.Type {
			case ScheduleInterval:
				if s.IntervalDuration() <= 0 {
					return fmt.Errorf("%s.interval: invalid duration %q", sp, s.Interval)
				}
			case ScheduleCron:
				if !gx.IsValid(s.Expression) {
					return fmt.Errorf("%s.expression: invalid cron expression %q", sp, s.Expression)
				}
			case ScheduleWebhook, ScheduleChat:
				// fired by ingestors, nothing to validate here
			default:
				return fmt.Errorf("%s.type: unknown schedule type %q", sp, s.Type)
			}
			if s.WorkSource != "" {
				if _, ok := c.Sources[s.WorkSource]; !ok {
					return fmt.Errorf("%s.work_source: unknown work source %q", sp, s.WorkSource)
				}
			}
		}

		for slot, hooks := range a.Hooks {
			if !validHookSlot(slot) {
				return fmt.Errorf("%s.hooks.%s: unknown lifecycle slot", prefix, slot)
			}
			for i, h := range hooks {
				hp := fmt.Sprintf("%s.hooks.%s[%d]", prefix, slot, i)
				switch h.Type {
				case HookShell:
					if h.Command == "" {
						return fmt.Errorf("%s.command: required for shell hooks", hp)
					}
				case HookHTTPWebhook:
					if h.URL == "" {
						return fmt.Errorf("%s.url: required for http_webhook hooks", hp)
					}
				case HookChatPost:
					if h.Channel == "" {
						return fmt.Errorf("%s.channel: required for chat_post hooks", hp)
					}
				default:
					return fmt.Errorf("%s.type: unknown hook type %q", hp, h.Type)
				}
			}
		}

		if a.Chat.Telegram != nil && a.Chat.Telegram.TokenEnv == "" {
			return fmt.Errorf("%s.chat.telegram.token_env: required", prefix)
		}
	}

	// Discord channel claims must not overlap between agents.
	claimed := map[string]string{} // channel id → agent
	for _, name := range names {
		a := c.Agents[name]
		if a.Chat.Discord == nil {
			continue
		}
		for _, ch := range a.Chat.Discord.Channels {
			if prev, ok := claimed[ch]; ok {
				return fmt.Errorf("agents.%s.chat.discord.channels: channel %s already claimed by agent %s", name, ch, prev)
			}
			claimed[ch] = name
		}
	}
	if len(claimed) > 0 && (c.Chat.Discord == nil || c.Chat.Discord.TokenEnv == "") {
		return fmt.Errorf("chat.discord.token_env: required when agents claim discord channels")
	}

	for name, ws := range c.Sources {
		prefix := "work_sources." + name
		switch ws.Type {
		case "github":
			if ws.Repo == "" || !strings.Contains(ws.Repo, "/") {
				return fmt.Errorf("%s.repo: must be \"owner/name\", got %q", prefix, ws.Repo)
			}
		default:
			return fmt.Errorf("%s.type: unknown work source type %q", prefix, ws.Type)
		}
		if ws.Retry.Jitter < 0 || ws.Retry.Jitter > 1 {
			return fmt.Errorf("%s.retry.jitter: must be in [0,1], got %v", prefix, ws.Retry.Jitter)
		}
	}

	for i, r := range c.Webhooks.Routes {
		rp := fmt.Sprintf("webhooks.routes[%d]", i)
		if r.Name == "" {
			return fmt.Errorf("%s.name: required", rp)
		}
		if _, ok := c.Webhooks.Providers[r.Source]; !ok {
			return fmt.Errorf("%s.source: unknown provider %q", rp, r.Source)
		}
		if _, ok := c.Agents[r.Agent]; !ok {
			return fmt.Errorf("%s.agent: unknown agent %q", rp, r.Agent)
		}
		if r.Prompt == "" {
			return fmt.Errorf("%s.prompt: required", rp)
		}
	}
	for name, p := range c.Webhooks.Providers {
		switch p.Kind {
		case "github", "linear", "slack", "generic":
		default:
			return fmt.Errorf("webhooks.providers.%s.kind: unknown kind %q", name, p.Kind)
		}
		if p.SecretEnv == "" {
			return fmt.Errorf("webhooks.providers.%s.secret_env: required", name)
		}
	}

	if d := c.Fleet.ShutdownGrace; d != "" {
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("fleet.shutdown_grace: invalid duration %q", d)
		}
	}

	return nil
}

func validHookSlot(slot string) bool {
	switch slot {
	case "on_completed", "on_failed", "on_timeout", "on_cancelled",
		"on_context_threshold", "on_session_start", "after_run", "on_error":
		return true
	}
	return false
}
