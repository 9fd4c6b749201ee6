// Package fleet wires every subsystem into one supervisor: stores, executor,
// scheduler, chat connectors, webhook ingestor, and the trigger entry point
// they all funnel through.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/fleetd/internal/bus"
	"github.com/nextlevelbuilder/fleetd/internal/chat"
	"github.com/nextlevelbuilder/fleetd/internal/chat/discord"
	"github.com/nextlevelbuilder/fleetd/internal/chat/telegram"
	"github.com/nextlevelbuilder/fleetd/internal/chat/tracker"
	"github.com/nextlevelbuilder/fleetd/internal/config"
	"github.com/nextlevelbuilder/fleetd/internal/executor"
	"github.com/nextlevelbuilder/fleetd/internal/hooks"
	"github.com/nextlevelbuilder/fleetd/internal/jobstore"
	"github.com/nextlevelbuilder/fleetd/internal/scheduler"
	"github.com/nextlevelbuilder/fleetd/internal/state"
	"github.com/nextlevelbuilder/fleetd/internal/webhook"
	"github.com/nextlevelbuilder/fleetd/internal/worksource"
	"github.com/nextlevelbuilder/fleetd/internal/workspace"
)

// ErrAgentNotFound reports a trigger against an unconfigured agent.
var ErrAgentNotFound = errors.New("agent not found")

// Fleet is the supervisor. One Fleet runs per process.
type Fleet struct {
	configPath string
	log        *slog.Logger
	events     *bus.Bus
	tracer     trace.Tracer

	jobs     *jobstore.Store
	sessions *state.SessionStore
	convkeys *state.ConversationStore
	exec     *executor.Executor
	sched    *scheduler.Scheduler
	sources  map[string]worksource.Source

	discord   *discord.Connector
	telegrams map[string]*telegram.Connector
	tracker   *tracker.Router
	webhooks  *webhook.Server

	// jobCtx outlives the accept context so in-flight jobs drain on shutdown.
	jobCtx     context.Context
	cancelJobs context.CancelFunc
	stopWatch  func()

	wg sync.WaitGroup

	mu       sync.Mutex
	cfg      *config.Config
	sems     map[string]chan struct{}
	keyLocks map[string]*sync.Mutex

	now func() time.Time
}

// New builds a fleet from a validated config. configPath enables hot reload;
// empty disables it. Construction fails on missing tokens or bad work-source
// config so misconfiguration surfaces before anything starts.
func New(cfg *config.Config, configPath string, log *slog.Logger) (*Fleet, error) {
	stateRoot := cfg.Fleet.StateRoot

	f := &Fleet{
		configPath: configPath,
		log:        log,
		events:     bus.New(),
		tracer:     otel.Tracer("fleetd/fleet"),
		cfg:        cfg,
		jobs:       jobstore.NewStore(stateRoot),
		sessions:   state.NewSessionStore(stateRoot),
		convkeys:   state.NewConversationStore(stateRoot),
		sources:    make(map[string]worksource.Source),
		telegrams:  make(map[string]*telegram.Connector),
		sems:       make(map[string]chan struct{}),
		keyLocks:   make(map[string]*sync.Mutex),
		now:        time.Now,
	}

	pipeline := hooks.NewPipeline(log, f)
	f.exec = executor.New(cfg.Fleet, f.jobs, f.sessions, pipeline, f.events, log)
	f.exec.SessionTTL = cfg.Fleet.ChatSessionTTLDuration()

	for name, sc := range cfg.Sources {
		src, err := worksource.New(sc)
		if err != nil {
			return nil, fmt.Errorf("work source %s: %w", name, err)
		}
		f.sources[name] = src
	}

	f.sched = scheduler.New(stateRoot, cfg.Fleet, cfg.Agents, f.runScheduled, f.sourceByName, f.events, log)

	commands := chat.NewCommands(cfg.Chat.Prefix(), chat.CommandActions{
		ResetSession: f.resetConversation,
		Status:       f.agentStatus,
	})

	if cfg.Chat.Discord != nil && anyDiscordAgent(cfg.Agents) {
		conn, err := discord.New(*cfg.Chat.Discord, cfg.Agents, commands, f.chatHandler("discord"), log)
		if err != nil {
			return nil, fmt.Errorf("discord connector: %w", err)
		}
		f.discord = conn
	}

	for _, name := range sortedAgentNames(cfg.Agents) {
		a := cfg.Agents[name]
		if a.Chat.Telegram == nil {
			continue
		}
		conn, err := telegram.New(name, *a.Chat.Telegram, commands, f.chatHandler("telegram"), log)
		if err != nil {
			return nil, fmt.Errorf("telegram connector for %s: %w", name, err)
		}
		f.telegrams[name] = conn
	}

	if cfg.Chat.Tracker != nil {
		var poster tracker.CommentPoster
		if cfg.Chat.Tracker.TokenEnv != "" {
			client, err := tracker.NewLinearClient(cfg.Chat.Tracker.TokenEnv)
			if err != nil {
				return nil, err
			}
			poster = client
		} else {
			poster = dropPoster{log: log}
		}
		f.tracker = tracker.NewRouter(*cfg.Chat.Tracker, cfg.Agents, poster, f.chatHandler("tracker"), log)
	}

	if len(cfg.Webhooks.Providers) > 0 {
		idemPath := filepath.Join(stateRoot, "webhooks", "deliveries.json")
		srv, err := webhook.NewServer(cfg.Webhooks, cfg.Fleet.IdempotencyTTLDuration(), idemPath, f.webhookTrigger, f.events, log)
		if err != nil {
			return nil, fmt.Errorf("webhook server: %w", err)
		}
		f.webhooks = srv
	}

	return f, nil
}

// Events exposes the fleet event bus for observers.
func (f *Fleet) Events() *bus.Bus { return f.events }

// Jobs exposes the job store for read-side consumers.
func (f *Fleet) Jobs() *jobstore.Store { return f.jobs }

// Start performs startup cleanup and brings every ingestor online.
func (f *Fleet) Start(ctx context.Context) error {
	f.jobCtx, f.cancelJobs = context.WithCancel(context.WithoutCancel(ctx))

	f.cleanupOnStart(ctx)

	if f.discord != nil {
		if err := f.discord.Start(ctx); err != nil {
			return fmt.Errorf("start discord: %w", err)
		}
	}
	for name, conn := range f.telegrams {
		if err := conn.Start(ctx); err != nil {
			return fmt.Errorf("start telegram for %s: %w", name, err)
		}
	}
	if f.webhooks != nil {
		if err := f.webhooks.Start(); err != nil {
			return fmt.Errorf("start webhook server: %w", err)
		}
	}
	f.sched.Start(f.jobCtx)

	if f.configPath != "" {
		if err := f.watchConfig(); err != nil {
			f.log.Warn("fleet.config_watch_failed", "path", f.configPath, "error", err)
		}
	}

	f.log.Info("fleet.started",
		"agents", len(f.snapshot().Agents),
		"sources", len(f.sources),
		"webhook", f.webhooks != nil)
	return nil
}

// Stop quiesces ingestors, then drains in-flight jobs for the configured
// grace window before cancelling them.
func (f *Fleet) Stop(ctx context.Context) error {
	if f.cancelJobs == nil {
		return nil
	}
	cfg := f.snapshot()

	f.sched.Stop()
	if f.stopWatch != nil {
		f.stopWatch()
	}
	if f.webhooks != nil {
		if err := f.webhooks.Stop(ctx); err != nil {
			f.log.Warn("fleet.webhook_stop_failed", "error", err)
		}
	}
	if f.discord != nil {
		if err := f.discord.Stop(ctx); err != nil {
			f.log.Warn("fleet.discord_stop_failed", "error", err)
		}
	}
	for name, conn := range f.telegrams {
		if err := conn.Stop(ctx); err != nil {
			f.log.Warn("fleet.telegram_stop_failed", "agent", name, "error", err)
		}
	}

	grace := cfg.Fleet.ShutdownGraceDuration()
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		f.log.Warn("fleet.drain_expired", "grace", grace.String())
		f.cancelJobs()
		<-done
	case <-ctx.Done():
		f.cancelJobs()
		<-done
	}
	f.cancelJobs()

	f.log.Info("fleet.stopped")
	return nil
}

// cleanupOnStart sweeps state left behind by a previous process: expired
// sessions and conversation keys, jobs interrupted mid-run, and worktrees
// whose jobs are gone.
func (f *Fleet) cleanupOnStart(ctx context.Context) {
	cfg := f.snapshot()
	now := f.now()

	chatTTL := cfg.Fleet.ChatSessionTTLDuration()
	issueTTL := cfg.Fleet.IssueSessionTTLDuration()

	if n := f.sessions.CleanupExpired(now, chatTTL); n > 0 {
		f.log.Info("fleet.sessions_expired", "count", n)
	}
	for platform, ttl := range map[string]time.Duration{
		"discord":  chatTTL,
		"telegram": chatTTL,
		"webhook":  chatTTL,
		"tracker":  issueTTL,
	} {
		if n := f.convkeys.CleanupExpired(platform, now, ttl); n > 0 {
			f.log.Info("fleet.conversations_expired", "platform", platform, "count", n)
		}
	}

	jobs, err := f.jobs.List()
	if err != nil {
		f.log.Warn("fleet.job_sweep_failed", "error", err)
		return
	}
	for _, job := range jobs {
		if jobstore.IsTerminalStatus(job.Status) {
			continue
		}
		finished := now
		patch := jobstore.StatusPatch{FinishedAt: &finished, Error: "interrupted by restart"}
		if err := f.jobs.UpdateStatus(job.ID, jobstore.StatusFailed, patch); err != nil {
			f.log.Warn("fleet.job_sweep_failed", "job_id", job.ID, "error", err)
		} else {
			f.log.Info("fleet.job_interrupted", "job_id", job.ID, "agent", job.AgentName)
		}
	}

	isLive := func(jobID string) bool {
		job, err := f.jobs.Get(jobID)
		return err == nil && job != nil && !jobstore.IsTerminalStatus(job.Status)
	}
	for _, name := range sortedAgentNames(cfg.Agents) {
		a := cfg.Agents[name]
		if a.Workspace.Strategy != workspace.StrategyGitWorktree {
			continue
		}
		strat := workspace.NewGitWorktreeStrategy(a.Workspace)
		if n := strat.PruneOrphans(ctx, a, isLive); n > 0 {
			f.log.Info("fleet.worktrees_pruned", "agent", name, "count", n)
		}
	}
}

// PostNotification implements hooks.ChatPoster. Channel is "platform:id",
// e.g. "discord:123456" or "telegram:-100987".
func (f *Fleet) PostNotification(ctx context.Context, channel, text string) error {
	platform, id, ok := strings.Cut(channel, ":")
	if !ok {
		return fmt.Errorf("channel %q must be platform:id", channel)
	}
	switch platform {
	case "discord":
		if f.discord == nil {
			return fmt.Errorf("discord connector not configured")
		}
		return f.discord.PostNotification(ctx, id, text)
	case "telegram":
		// Any agent bot can deliver a fleet notification.
		for _, name := range sortedKeys(f.telegrams) {
			return f.telegrams[name].PostNotification(ctx, id, text)
		}
		return fmt.Errorf("no telegram connector configured")
	}
	return fmt.Errorf("unknown chat platform %q", platform)
}

func (f *Fleet) snapshot() *config.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg
}

func (f *Fleet) agentConfig(name string) (config.AgentConfig, bool) {
	cfg := f.snapshot()
	a, ok := cfg.Agents[name]
	return a, ok
}

func (f *Fleet) sourceByName(name string) (worksource.Source, bool) {
	src, ok := f.sources[name]
	return src, ok
}

// semaphore returns the per-agent concurrency gate, sized at first use.
func (f *Fleet) semaphore(agent string, capacity int) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	sem, ok := f.sems[agent]
	if !ok {
		sem = make(chan struct{}, capacity)
		f.sems[agent] = sem
	}
	return sem
}

// conversationLock returns the mutex serialising one conversation key.
// Locks are never collected; the set is bounded by active conversations.
func (f *Fleet) conversationLock(key string) *sync.Mutex {
	f.mu.Lock()
	defer f.mu.Unlock()
	l, ok := f.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		f.keyLocks[key] = l
	}
	return l
}

// guard runs fn, containing panics so one bad trigger cannot take down a
// supervisor task.
func (f *Fleet) guard(name string, fn func()) {
	defer f.recoverTask(name)
	fn()
}

func (f *Fleet) recoverTask(name string) {
	if r := recover(); r != nil {
		f.log.Error("fleet.task_panic", "task", name, "panic", r)
	}
}

// dropPoster swallows tracker replies when no API token is configured.
type dropPoster struct{ log *slog.Logger }

func (p dropPoster) PostComment(_ context.Context, issueID, _ string) error {
	p.log.Warn("tracker.comment_dropped", "issue", issueID, "reason", "no token_env configured")
	return nil
}

func anyDiscordAgent(agents map[string]config.AgentConfig) bool {
	for _, a := range agents {
		if a.Chat.Discord != nil {
			return true
		}
	}
	return false
}

func sortedAgentNames(agents map[string]config.AgentConfig) []string {
	names := make([]string, 0, len(agents))
	for name := range agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
