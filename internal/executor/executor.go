// Package executor runs one job end to end: workspace setup, session resume,
// runtime streaming, context handoffs, hook firing, and terminal bookkeeping.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/fleetd/internal/bus"
	"github.com/nextlevelbuilder/fleetd/internal/config"
	"github.com/nextlevelbuilder/fleetd/internal/hooks"
	"github.com/nextlevelbuilder/fleetd/internal/jobstore"
	"github.com/nextlevelbuilder/fleetd/internal/runtime"
	"github.com/nextlevelbuilder/fleetd/internal/state"
	"github.com/nextlevelbuilder/fleetd/internal/workspace"
)

// Failure kinds reported in RunnerResult.FailureKind.
const (
	FailWorkspaceSetup     = "workspace-setup-failed"
	FailRuntimeStream      = "runtime-stream-failed"
	FailSessionInvalidated = "session-invalidated"
	FailMaxHandoffs        = "max-handoffs-exceeded"
	FailHandoffSubQuery    = "handoff-sub-query-failed"
	FailCancelled          = "cancelled"
	FailTimedOut           = "timed_out"
)

// summaryLimit truncates the stored job summary.
const summaryLimit = 2000

// Options describe one job execution.
type Options struct {
	Agent         config.AgentConfig
	Prompt        string
	TriggerSource string // jobstore.Trigger* constant
	ScheduleName  string
	WorkItemID    string
	WorkItemTitle string

	// ResumeSessionID forces resumption of a specific session, bypassing the
	// session store. Used for conversation continuity from chat and webhooks.
	ResumeSessionID string

	// ExtraMCPServers are injected per job on top of the agent's own servers,
	// carrying the dynamic tool server of the triggering surface.
	ExtraMCPServers map[string]config.MCPServer

	// OnOutput observes every output entry as it is written, for callers that
	// stream progress. May be nil.
	OnOutput func(entry jobstore.OutputEntry)
}

// RunnerResult is the executor's terminal report.
type RunnerResult struct {
	Success         bool
	JobID           string
	SessionID       string
	Summary         string
	Error           string
	FailureKind     string
	Handoffs        int
	DurationSeconds float64
}

// Executor wires the stores and pipelines a job needs. One Executor serves the
// whole fleet; each Execute call is independent.
type Executor struct {
	settings config.FleetSettings
	jobs     *jobstore.Store
	sessions *state.SessionStore
	hooks    *hooks.Pipeline
	events   bus.Publisher
	log      *slog.Logger

	// SessionTTL bounds stored-session reuse. Zero disables the age check.
	SessionTTL time.Duration

	newRuntime  func(name string, settings config.FleetSettings) (runtime.Runtime, error)
	newStrategy func(agent config.AgentConfig) (workspace.Strategy, error)
	now         func() time.Time
}

// New builds an executor over the given stores.
func New(settings config.FleetSettings, jobs *jobstore.Store, sessions *state.SessionStore, pipeline *hooks.Pipeline, events bus.Publisher, log *slog.Logger) *Executor {
	return &Executor{
		settings:    settings,
		jobs:        jobs,
		sessions:    sessions,
		hooks:       pipeline,
		events:      events,
		log:         log,
		newRuntime:  runtime.New,
		newStrategy: workspace.ForAgent,
		now:         time.Now,
	}
}

// SetRuntimeFactory overrides how runtimes are built. Tests substitute a
// scripted runtime through this.
func (e *Executor) SetRuntimeFactory(fn func(name string, settings config.FleetSettings) (runtime.Runtime, error)) {
	e.newRuntime = fn
}

// run carries the mutable state of one execution.
type run struct {
	opts      Options
	agent     config.AgentConfig
	jobID     string
	rt        runtime.Runtime
	setup     *workspace.SetupResult
	tracker   *ContextTracker
	startedAt time.Time

	sessionID        string
	prevSessionID    string
	sawInit          bool
	handoffs         int
	maxExceeded      bool
	subQueryFell     bool
	failedWithResume bool

	prompt         string
	originalPrompt string
	hookContext    string // shell hook stdout, prepended to the next continuation

	cumulativeInput int
	lastOutput      int
	lastResult      *runtime.Message
	streamErr       error
}

// Execute runs one job to a terminal state. It never returns an error; all
// failures land in the result and the job record.
func (e *Executor) Execute(ctx context.Context, opts Options) *RunnerResult {
	r := &run{
		opts:           opts,
		agent:          opts.Agent,
		startedAt:      e.now(),
		prompt:         opts.Prompt,
		originalPrompt: opts.Prompt,
		tracker:        NewContextTracker(opts.Agent.EffectiveContextThreshold()),
	}

	jobID, err := e.jobs.Create(jobstore.Job{
		AgentName:       r.agent.Name,
		ScheduleName:    opts.ScheduleName,
		TriggerSource:   opts.TriggerSource,
		Prompt:          opts.Prompt,
		ResumeSessionID: opts.ResumeSessionID,
		WorkItemID:      opts.WorkItemID,
		Status:          jobstore.StatusPending,
	})
	if err != nil {
		return &RunnerResult{Error: fmt.Sprintf("create job record: %v", err), FailureKind: FailRuntimeStream}
	}
	r.jobID = jobID

	ctx, span := otel.Tracer("fleetd/executor").Start(ctx, "job.execute", trace.WithAttributes(
		attribute.String("agent", r.agent.Name),
		attribute.String("job_id", jobID),
		attribute.String("trigger_source", opts.TriggerSource)))
	defer span.End()

	e.publish(bus.EventJobQueued, r, nil)

	strategy, err := e.newStrategy(r.agent)
	if err == nil {
		r.setup, err = strategy.Setup(ctx, r.agent, workspace.JobContext{
			JobID:         jobID,
			AgentName:     r.agent.Name,
			ScheduleName:  opts.ScheduleName,
			WorkItemID:    opts.WorkItemID,
			WorkItemTitle: opts.WorkItemTitle,
		})
	}
	if err != nil {
		return e.finishEarly(r, FailWorkspaceSetup, fmt.Errorf("workspace setup: %w", err))
	}
	r.agent.WorkingDirectory = r.setup.WorkingDirectory

	rtName := r.agent.RuntimeType
	if rtName == "" {
		rtName = e.settings.DefaultRuntime
	}
	if rtName == "" {
		rtName = "subprocess"
	}
	r.rt, err = e.newRuntime(rtName, e.settings)
	if err != nil {
		e.teardown(ctx, strategy, r, false, "")
		return e.finishEarly(r, FailRuntimeStream, fmt.Errorf("construct runtime: %w", err))
	}

	r.sessionID = e.resolveResume(r)

	if d := r.agent.JobTimeout(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	e.runLoop(ctx, r)
	result := e.finalise(ctx, r)
	e.teardown(ctx, strategy, r, result.Success, result.Summary)
	e.fireTerminalHooks(r, result)
	return result
}

// resolveResume decides which session the first runtime call resumes.
func (e *Executor) resolveResume(r *run) string {
	if r.opts.ResumeSessionID != "" {
		return r.opts.ResumeSessionID
	}
	if r.agent.SessionMode == config.SessionEphemeral {
		return ""
	}
	rec, err := e.sessions.Get(r.agent.Name)
	if err != nil || rec == nil {
		return ""
	}
	ok, reason := rec.Reusable(r.agent.WorkingDirectory, r.rt.ContextKey(), e.SessionTTL, e.now())
	if !ok {
		e.log.Info("job.session_not_reused", "agent", r.agent.Name, "reason", reason)
		return ""
	}
	return rec.SessionID
}

// runLoop is the outer restartable loop: each iteration consumes one runtime
// stream, and a handoff starts the next iteration with a fresh session.
func (e *Executor) runLoop(ctx context.Context, r *run) {
	running := false
	resumeRetried := false

	for {
		stream, err := r.rt.Execute(ctx, e.buildRequest(r))
		if err != nil {
			// A stale store-resumed session gets one retry with a fresh
			// session. An explicitly requested resume does not: silently
			// dropping it would break conversation continuity.
			if r.sessionID != "" && r.opts.ResumeSessionID == "" && !resumeRetried {
				resumeRetried = true
				e.log.Warn("job.session_invalidated", "job_id", r.jobID, "session_id", r.sessionID, "error", err)
				r.sessionID = ""
				r.prevSessionID = ""
				e.sessions.Clear(r.agent.Name)
				continue
			}
			r.failedWithResume = r.sessionID != ""
			r.streamErr = fmt.Errorf("runtime execute: %w", err)
			return
		}
		if !running {
			running = true
			if err := e.jobs.UpdateStatus(r.jobID, jobstore.StatusRunning, jobstore.StatusPatch{}); err != nil {
				e.log.Error("job.status_update_failed", "job_id", r.jobID, "error", err)
			}
			e.publish(bus.EventJobStarted, r, nil)
		}

		if e.consumeStream(ctx, r, stream) {
			continue // handoff restarted the loop
		}
		return
	}
}

// consumeStream drains one stream. It returns true when a handoff fired and
// the outer loop must start the continuation session.
func (e *Executor) consumeStream(ctx context.Context, r *run, stream *runtime.Stream) bool {
	for msg := range stream.Messages() {
		e.appendOutput(r, msg)
		r.tracker.Observe(msg)

		if msg.Type == runtime.TypeSystem && msg.Subtype == runtime.SubtypeInit {
			r.prevSessionID = r.sessionID
			r.sessionID = msg.SessionID
			r.sawInit = true
			e.fireSessionStart(ctx, r)
		}
		if msg.Usage != nil {
			r.lastOutput = msg.Usage.OutputTokens
		}
		if msg.IsTerminal() {
			m := msg
			r.lastResult = &m
			break
		}

		if r.tracker.ShouldHandoff() {
			if r.handoffs >= r.agent.EffectiveMaxHandoffs() {
				r.maxExceeded = true
				e.log.Warn("job.max_handoffs_reached", "job_id", r.jobID, "handoffs", r.handoffs)
				continue
			}
			stream.Close()
			for range stream.Messages() {
				// drain the aborted stream
			}
			e.performHandoff(ctx, r)
			return true
		}
	}
	if r.lastResult == nil {
		r.streamErr = stream.Err()
		if r.streamErr == nil && ctx.Err() == nil {
			r.streamErr = errors.New("runtime stream ended without a result")
		}
	}
	return false
}

// performHandoff runs the built-in handoff sub-query (or defers to configured
// on_context_threshold hooks), records the log entries, and prepares the
// continuation prompt. The job id and working directory stay fixed.
func (e *Executor) performHandoff(ctx context.Context, r *run) {
	snap := r.tracker.Snapshot()
	r.cumulativeInput += snap.InputTokens
	e.publish(bus.EventHandoffStart, r, map[string]any{
		"handoff":       r.handoffs + 1,
		"usage_percent": snap.UsagePercent,
	})
	e.log.Info("job.handoff_start",
		"job_id", r.jobID,
		"agent", r.agent.Name,
		"handoff", r.handoffs+1,
		"usage_percent", fmt.Sprintf("%.1f", snap.UsagePercent))

	e.appendEntry(r, jobstore.OutputEntry{
		Type:    runtime.TypeSystem,
		Subtype: runtime.SubtypeContextHandoff,
		Text:    fmt.Sprintf("context handoff %d at %.1f%% window usage", r.handoffs+1, snap.UsagePercent),
	})

	var doc string
	if slot := r.agent.Hooks["on_context_threshold"]; len(slot) > 0 {
		results := e.hooks.Fire(ctx, slot, hooks.EventContextThreshold, hooks.ContextThresholdPayload{
			Event:          hooks.EventContextThreshold,
			Context:        contextInfo(snap),
			Session:        e.sessionInfo(r),
			OriginalPrompt: r.originalPrompt,
		})
		doc = collectShellOutput(results)
	} else {
		var err error
		doc, err = e.handoffSubQuery(ctx, r)
		if err != nil {
			// Fall back to the original prompt alone.
			r.subQueryFell = true
			e.log.Warn("job.handoff_subquery_failed", "job_id", r.jobID, "error", err)
			doc = ""
		}
	}

	e.appendEntry(r, jobstore.OutputEntry{
		Type:    runtime.TypeSystem,
		Subtype: runtime.SubtypeHandoffDocument,
		Text:    doc,
	})
	e.publish(bus.EventHandoffComplete, r, map[string]any{"handoff": r.handoffs + 1})

	r.handoffs++
	r.tracker.Reset()
	r.prevSessionID = r.sessionID
	r.sessionID = ""
	r.sawInit = false
	r.prompt = continuationPrompt(r.hookContext, doc, r.originalPrompt)
	r.hookContext = ""
}

// handoffSubQuery asks the exhausted session to write its own handoff
// document before it is abandoned.
func (e *Executor) handoffSubQuery(ctx context.Context, r *run) (string, error) {
	req := e.buildRequest(r)
	req.Prompt = handoffPrompt()
	req.ResumeSessionID = r.sessionID
	req.MaxTurns = 1
	req.MCPServers = nil

	stream, err := r.rt.Execute(ctx, req)
	if err != nil {
		return "", err
	}
	var doc string
	for msg := range stream.Messages() {
		if msg.IsTerminal() {
			doc = msg.Result
		}
	}
	if err := stream.Err(); err != nil {
		return "", err
	}
	if strings.TrimSpace(doc) == "" {
		return "", errors.New("sub-query produced no handoff document")
	}
	return doc, nil
}

// finalise derives the terminal status, persists the job record and session,
// and builds the RunnerResult.
func (e *Executor) finalise(ctx context.Context, r *run) *RunnerResult {
	snap := r.tracker.Snapshot()
	r.cumulativeInput += snap.InputTokens

	status := jobstore.StatusCompleted
	failureKind := ""
	errText := ""
	summary := ""

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		status = jobstore.StatusTimedOut
		failureKind = FailTimedOut
		errText = "job exceeded its wall-clock timeout"
	case ctx.Err() == context.Canceled:
		status = jobstore.StatusCancelled
		failureKind = FailCancelled
		errText = "job was cancelled"
	case r.streamErr != nil:
		status = jobstore.StatusFailed
		failureKind = FailRuntimeStream
		if r.failedWithResume {
			failureKind = FailSessionInvalidated
		}
		errText = r.streamErr.Error()
	case r.lastResult == nil:
		status = jobstore.StatusFailed
		failureKind = FailRuntimeStream
		errText = "runtime stream ended without a result"
	case r.lastResult.IsError:
		status = jobstore.StatusFailed
		failureKind = FailRuntimeStream
		errText = truncate(r.lastResult.Result, summaryLimit)
	default:
		summary = truncate(r.lastResult.Result, summaryLimit)
	}

	success := status == jobstore.StatusCompleted
	if failureKind == "" && r.subQueryFell {
		// The job itself ran on, but the continuation lost the handoff
		// document and restarted from the original prompt alone.
		failureKind = FailHandoffSubQuery
	}
	if success && r.maxExceeded {
		// The job ran to completion, but context ran out with no handoff
		// budget left, so the outcome is not trusted.
		success = false
		failureKind = FailMaxHandoffs
		errText = fmt.Sprintf("context exhausted after %d handoffs", r.handoffs)
	}

	// A handoff that never saw its continuation init leaves no resumable
	// session behind.
	if r.handoffs > 0 && !r.sawInit {
		r.sessionID = ""
		if _, err := e.sessions.Clear(r.agent.Name); err != nil {
			e.log.Warn("job.session_clear_failed", "agent", r.agent.Name, "error", err)
		}
	}

	finished := e.now()
	patch := jobstore.StatusPatch{
		SessionID:  r.sessionID,
		FinishedAt: &finished,
		Summary:    summary,
		Error:      errText,
		Tokens: &jobstore.TokenStats{
			CumulativeInput: r.cumulativeInput,
			LastOutput:      r.lastOutput,
			HandoffCount:    r.handoffs,
		},
	}
	if err := e.jobs.UpdateStatus(r.jobID, status, patch); err != nil {
		e.log.Error("job.status_update_failed", "job_id", r.jobID, "status", status, "error", err)
	}
	if err := e.jobs.CloseOutput(r.jobID); err != nil {
		e.log.Warn("job.output_close_failed", "job_id", r.jobID, "error", err)
	}

	e.persistSession(r)

	name := bus.EventJobCompleted
	if !success {
		name = bus.EventJobFailed
	}
	e.publish(name, r, map[string]any{"status": status, "failure_kind": failureKind})
	e.log.Info("job.finished",
		"job_id", r.jobID,
		"agent", r.agent.Name,
		"status", status,
		"handoffs", r.handoffs,
		"duration", finished.Sub(r.startedAt).String())

	return &RunnerResult{
		Success:         success,
		JobID:           r.jobID,
		SessionID:       r.sessionID,
		Summary:         summary,
		Error:           errText,
		FailureKind:     failureKind,
		Handoffs:        r.handoffs,
		DurationSeconds: finished.Sub(r.startedAt).Seconds(),
	}
}

// persistSession stores the terminal session for persistent agents.
func (e *Executor) persistSession(r *run) {
	if r.agent.SessionMode == config.SessionEphemeral {
		return
	}
	if r.sessionID == "" {
		return
	}
	jobCount := 1
	if rec, err := e.sessions.Get(r.agent.Name); err == nil && rec != nil && rec.SessionID == r.sessionID {
		jobCount = rec.JobCount + 1
	}
	err := e.sessions.Put(r.agent.Name, state.SessionRecord{
		SessionID:        r.sessionID,
		WorkingDirectory: r.agent.WorkingDirectory,
		RuntimeContext:   r.rt.ContextKey(),
		LastUsedAt:       e.now(),
		JobCount:         jobCount,
	})
	if err != nil {
		e.log.Warn("job.session_persist_failed", "agent", r.agent.Name, "error", err)
	}
}

// finishEarly records a failure that happened before any stream ran.
func (e *Executor) finishEarly(r *run, kind string, cause error) *RunnerResult {
	finished := e.now()
	if err := e.jobs.UpdateStatus(r.jobID, jobstore.StatusFailed, jobstore.StatusPatch{
		FinishedAt: &finished,
		Error:      cause.Error(),
	}); err != nil {
		e.log.Error("job.status_update_failed", "job_id", r.jobID, "error", err)
	}
	e.jobs.CloseOutput(r.jobID)
	e.publish(bus.EventJobFailed, r, map[string]any{"failure_kind": kind})
	e.log.Error("job.failed_early", "job_id", r.jobID, "kind", kind, "error", cause)

	result := &RunnerResult{
		JobID:           r.jobID,
		Error:           cause.Error(),
		FailureKind:     kind,
		DurationSeconds: finished.Sub(r.startedAt).Seconds(),
	}
	e.fireTerminalHooks(r, result)
	return result
}

func (e *Executor) teardown(ctx context.Context, strategy workspace.Strategy, r *run, success bool, summary string) {
	if strategy == nil || r.setup == nil {
		return
	}
	if err := strategy.Teardown(ctx, r.agent, r.setup, workspace.JobResult{Success: success, Summary: summary}); err != nil {
		e.log.Warn("job.workspace_teardown_failed", "job_id", r.jobID, "error", err)
	}
}

// fireTerminalHooks runs after_run for every terminal state and on_error for
// the failing ones. Hook context is detached from the job context so hooks
// still run for cancelled and timed out jobs.
func (e *Executor) fireTerminalHooks(r *run, result *RunnerResult) {
	event := hooks.EventCompleted
	switch result.FailureKind {
	case FailTimedOut:
		event = hooks.EventTimeout
	case FailCancelled:
		event = hooks.EventCancelled
	case "":
	default:
		event = hooks.EventFailed
	}
	if result.FailureKind == "" && !result.Success {
		event = hooks.EventFailed
	}

	payload := hooks.LifecyclePayload{
		Event:   event,
		Session: e.sessionInfo(r),
		Status:  event,
		Summary: result.Summary,
		Error:   result.Error,
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if slot := r.agent.Hooks["after_run"]; len(slot) > 0 {
		e.hooks.Fire(ctx, slot, event, payload)
	}
	if event != hooks.EventCompleted {
		if slot := r.agent.Hooks["on_error"]; len(slot) > 0 {
			e.hooks.Fire(ctx, slot, event, payload)
		}
	}
}

// fireSessionStart runs on_session_start hooks; successful shell hook stdout
// becomes context for the next continuation prompt.
func (e *Executor) fireSessionStart(ctx context.Context, r *run) {
	slot := r.agent.Hooks["on_session_start"]
	if len(slot) == 0 {
		return
	}
	results := e.hooks.Fire(ctx, slot, hooks.EventSessionStart, hooks.SessionStartPayload{
		Event: hooks.EventSessionStart,
		Session: hooks.SessionStartSession{
			SessionInfo:       e.sessionInfo(r),
			IsContinuation:    r.handoffs > 0,
			PreviousSessionID: r.prevSessionID,
			HandoffCount:      r.handoffs,
		},
		Prompt: r.prompt,
	})
	if out := collectShellOutput(results); out != "" {
		r.hookContext = out
	}
}

func (e *Executor) buildRequest(r *run) runtime.Request {
	servers := make(map[string]config.MCPServer, len(r.agent.MCPServers)+len(r.opts.ExtraMCPServers))
	for name, s := range r.agent.MCPServers {
		servers[name] = s
	}
	for name, s := range r.opts.ExtraMCPServers {
		servers[name] = s
	}
	env := make(map[string]string, len(r.agent.Env)+len(r.setup.Env))
	for k, v := range r.agent.Env {
		env[k] = v
	}
	for k, v := range r.setup.Env {
		env[k] = v
	}
	return runtime.Request{
		Prompt:           r.prompt,
		Model:            r.agent.Model,
		SystemPrompt:     r.agent.SystemPrompt,
		PermissionMode:   r.agent.PermissionMode,
		AllowedTools:     r.agent.AllowedTools,
		DeniedTools:      r.agent.DeniedTools,
		MaxTurns:         r.agent.MaxTurns,
		WorkingDirectory: r.agent.WorkingDirectory,
		ResumeSessionID:  r.sessionID,
		Env:              env,
		MCPServers:       servers,
	}
}

func (e *Executor) sessionInfo(r *run) hooks.SessionInfo {
	info := hooks.SessionInfo{
		SessionID:        r.sessionID,
		AgentName:        r.agent.Name,
		JobID:            r.jobID,
		WorkingDirectory: r.agent.WorkingDirectory,
	}
	if r.setup != nil && r.setup.BranchName != "" {
		info.WorktreePath = r.setup.WorkingDirectory
		info.BranchName = r.setup.BranchName
	}
	return info
}

func (e *Executor) appendOutput(r *run, msg runtime.Message) {
	entry := jobstore.OutputEntry{
		Type:     msg.Type,
		Subtype:  msg.Subtype,
		ToolName: msg.ToolName,
		IsError:  msg.IsError,
	}
	switch msg.Type {
	case runtime.TypeResult:
		entry.Text = msg.Result
	default:
		entry.Text = msg.Text
	}
	e.appendEntry(r, entry)
}

func (e *Executor) appendEntry(r *run, entry jobstore.OutputEntry) {
	if err := e.jobs.AppendOutput(r.jobID, entry); err != nil {
		e.log.Warn("job.output_append_failed", "job_id", r.jobID, "error", err)
	}
	e.publish(bus.EventJobOutput, r, map[string]any{
		"type":    entry.Type,
		"subtype": entry.Subtype,
		"text":    entry.Text,
	})
	if r.opts.OnOutput != nil {
		r.opts.OnOutput(entry)
	}
}

func (e *Executor) publish(name string, r *run, payload map[string]any) {
	if e.events == nil {
		return
	}
	e.events.Publish(bus.Event{
		Name:      name,
		AgentName: r.agent.Name,
		JobID:     r.jobID,
		Payload:   payload,
	})
}

func contextInfo(snap ContextSnapshot) hooks.ContextInfo {
	return hooks.ContextInfo{
		InputTokens:      snap.InputTokens,
		ContextWindow:    snap.ContextWindow,
		UsagePercent:     snap.UsagePercent,
		RemainingPercent: snap.RemainingPercent,
		ModelName:        snap.ModelName,
	}
}

// collectShellOutput concatenates the stdout of successful shell hooks.
func collectShellOutput(results []hooks.Result) string {
	var parts []string
	for _, res := range results {
		if res.Success && !res.Skipped && strings.TrimSpace(res.Output) != "" {
			parts = append(parts, strings.TrimSpace(res.Output))
		}
	}
	return strings.Join(parts, "\n\n")
}

func handoffPrompt() string {
	return strings.TrimSpace(`
Your context window is nearly full and this session is about to end. Write a
handoff document for the fresh session that will continue this work. Include:
the original goal, what has been done so far, the current state of any files
or branches you touched, decisions made and why, and the concrete next steps.
Respond with the handoff document only.`)
}

// continuationPrompt builds the prompt for the post-handoff session.
func continuationPrompt(hookContext, handoffDoc, originalPrompt string) string {
	var b strings.Builder
	if hookContext != "" {
		b.WriteString(hookContext)
		b.WriteString("\n\n")
	}
	if handoffDoc != "" {
		b.WriteString("You are continuing work started by a previous session that ran out of context. Its handoff document:\n\n")
		b.WriteString(handoffDoc)
		b.WriteString("\n\n")
	}
	b.WriteString("Original task:\n\n")
	b.WriteString(originalPrompt)
	return b.String()
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}
