package fleet

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/fleetd/internal/bus"
	"github.com/nextlevelbuilder/fleetd/internal/chat/tracker"
	"github.com/nextlevelbuilder/fleetd/internal/config"
	"github.com/nextlevelbuilder/fleetd/internal/executor"
	"github.com/nextlevelbuilder/fleetd/internal/jobstore"
	"github.com/nextlevelbuilder/fleetd/internal/scheduler"
	"github.com/nextlevelbuilder/fleetd/internal/state"
	"github.com/nextlevelbuilder/fleetd/internal/worksource"
)

// TriggerOptions describe one requested execution.
type TriggerOptions struct {
	Prompt        string
	TriggerSource string // jobstore.Trigger* constant, default manual
	ScheduleName  string
	WorkItemID    string
	WorkItemTitle string

	// ResumeSessionID forces a specific session, for conversation continuity.
	ResumeSessionID string

	// ConversationKey serialises executions that share a conversation; jobs
	// with the same key run strictly in arrival order.
	ConversationKey string

	// BypassLimit skips the per-agent concurrency gate. Manual CLI triggers
	// use it to jump the queue.
	BypassLimit bool

	ExtraMCPServers map[string]config.MCPServer

	// OnMessage observes each output entry live. May be nil.
	OnMessage func(entry jobstore.OutputEntry)
}

// TriggerResult is the caller-facing outcome of one execution.
type TriggerResult struct {
	JobID           string
	Success         bool
	Summary         string
	Error           string
	FailureKind     string
	SessionID       string
	Handoffs        int
	DurationSeconds float64
}

// Trigger runs one job for the agent, honouring the per-agent concurrency
// bound and conversation ordering. It blocks until the job reaches a
// terminal state.
func (f *Fleet) Trigger(ctx context.Context, agentName string, opts TriggerOptions) (*TriggerResult, error) {
	agent, ok := f.agentConfig(agentName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, agentName)
	}
	if opts.TriggerSource == "" {
		opts.TriggerSource = jobstore.TriggerManual
	}

	ctx, span := f.tracer.Start(ctx, "fleet.trigger", trace.WithAttributes(
		attribute.String("agent", agentName),
		attribute.String("trigger_source", opts.TriggerSource)))
	defer span.End()

	if opts.ConversationKey != "" {
		l := f.conversationLock(opts.ConversationKey)
		l.Lock()
		defer l.Unlock()
	}

	if !opts.BypassLimit {
		sem := f.semaphore(agentName, agent.EffectiveMaxConcurrent())
		select {
		case sem <- struct{}{}:
			defer func() { <-sem }()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.wg.Add(1)
	defer f.wg.Done()

	res := f.exec.Execute(ctx, executor.Options{
		Agent:           agent,
		Prompt:          opts.Prompt,
		TriggerSource:   opts.TriggerSource,
		ScheduleName:    opts.ScheduleName,
		WorkItemID:      opts.WorkItemID,
		WorkItemTitle:   opts.WorkItemTitle,
		ResumeSessionID: opts.ResumeSessionID,
		ExtraMCPServers: opts.ExtraMCPServers,
		OnOutput:        opts.OnMessage,
	})

	span.SetAttributes(
		attribute.String("job_id", res.JobID),
		attribute.Bool("success", res.Success),
		attribute.Int("handoffs", res.Handoffs))

	return &TriggerResult{
		JobID:           res.JobID,
		Success:         res.Success,
		Summary:         res.Summary,
		Error:           res.Error,
		FailureKind:     res.FailureKind,
		SessionID:       res.SessionID,
		Handoffs:        res.Handoffs,
		DurationSeconds: res.DurationSeconds,
	}, nil
}

// runScheduled is the scheduler's trigger. A returned error feeds the
// schedule's backoff ladder.
func (f *Fleet) runScheduled(ctx context.Context, req scheduler.TriggerRequest) error {
	opts := TriggerOptions{
		Prompt:        req.Schedule.Prompt,
		TriggerSource: jobstore.TriggerScheduler,
		ScheduleName:  req.ScheduleName,
	}

	var src worksource.Source
	var item *worksource.WorkItem
	if len(req.WorkItems) > 0 {
		s, ok := f.sourceByName(req.Schedule.WorkSource)
		if !ok {
			return fmt.Errorf("work source %q not configured", req.Schedule.WorkSource)
		}
		claim, err := s.Claim(ctx, req.WorkItems[0].ID)
		if err != nil {
			return fmt.Errorf("claim %s: %w", req.WorkItems[0].ID, err)
		}
		if !claim.Success {
			f.events.Publish(bus.Event{
				Name:      bus.EventClaimFailed,
				AgentName: req.AgentName,
				At:        f.now(),
				Payload: map[string]any{
					"work_id": req.WorkItems[0].ID,
					"reason":  claim.Reason,
					"message": claim.Message,
				},
			})
			// Losing a claim race is routine, not a schedule error.
			if claim.Reason == worksource.ReasonAlreadyClaimed || claim.Reason == worksource.ReasonInvalidState {
				return nil
			}
			return fmt.Errorf("claim %s: %s", req.WorkItems[0].ID, claim.Message)
		}
		src = s
		item = claim.WorkItem
		opts.TriggerSource = jobstore.TriggerWorkSource
		opts.WorkItemID = item.ID
		opts.WorkItemTitle = item.Title
		opts.Prompt = workItemPrompt(req.Schedule.Prompt, *item)
	}

	res, err := f.Trigger(ctx, req.AgentName, opts)
	if err != nil {
		if item != nil {
			f.releaseClaim(item.ID, src, err.Error())
		}
		return err
	}

	if item != nil {
		f.settleClaim(item.ID, src, res)
	}
	if !res.Success {
		return fmt.Errorf("job %s: %s", res.JobID, res.Error)
	}
	return nil
}

// settleClaim reports the job outcome back to the work source. A detached
// context keeps the report alive through shutdown.
func (f *Fleet) settleClaim(workID string, src worksource.Source, res *TriggerResult) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if res.Success {
		err := src.Complete(ctx, workID, worksource.Outcome{
			Success: true,
			Summary: res.Summary,
		})
		if err != nil {
			f.log.Warn("fleet.work_complete_failed", "work_id", workID, "error", err)
		}
		return
	}
	f.releaseClaim(workID, src, res.Error)
}

func (f *Fleet) releaseClaim(workID string, src worksource.Source, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := src.Release(ctx, workID, worksource.ReleaseOptions{Reason: reason, PostComment: true}); err != nil {
		f.log.Warn("fleet.work_release_failed", "work_id", workID, "error", err)
	}
}

func workItemPrompt(base string, item worksource.WorkItem) string {
	var b strings.Builder
	if base != "" {
		b.WriteString(base)
		b.WriteString("\n\n")
	}
	fmt.Fprintf(&b, "Work item %s: %s", item.ID, item.Title)
	if item.Description != "" {
		b.WriteString("\n\n")
		b.WriteString(item.Description)
	}
	if item.URL != "" {
		b.WriteString("\n\n")
		b.WriteString(item.URL)
	}
	return b.String()
}

// webhookTrigger handles a matched webhook route. Linear payloads are handed
// to the tracker router, which does its own agent selection; everything else
// runs the route's agent with the rendered prompt. session_key gives a route
// conversation continuity across deliveries.
func (f *Fleet) webhookTrigger(ctx context.Context, route config.RouteConfig, prompt, sessionKey string, payload map[string]any) {
	cfg := f.snapshot()
	if p, ok := cfg.Webhooks.Providers[route.Source]; ok && p.Kind == "linear" && f.tracker != nil {
		if ev, ok := tracker.ParseLinearPayload(payload); ok {
			f.tracker.HandleEvent(ctx, ev)
			return
		}
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.recoverTask("webhook." + route.Name)

		opts := TriggerOptions{
			Prompt:        prompt,
			TriggerSource: jobstore.TriggerWebhook,
		}
		if sessionKey != "" {
			opts.ConversationKey = "webhook/" + route.Agent + "/" + sessionKey
			if rec, found, err := f.convkeys.Get("webhook", route.Agent, sessionKey); err == nil && found {
				opts.ResumeSessionID = rec.SessionID
			}
		}

		res, err := f.Trigger(f.jobCtx, route.Agent, opts)
		if err != nil {
			f.log.Error("fleet.webhook_trigger_failed", "route", route.Name, "error", err)
			return
		}
		if sessionKey != "" && res.SessionID != "" {
			err := f.convkeys.Put("webhook", route.Agent, sessionKey, state.ConversationRecord{
				SessionID:      res.SessionID,
				LastActivityAt: f.now(),
			})
			if err != nil {
				f.log.Warn("fleet.conversation_save_failed", "route", route.Name, "error", err)
			}
		}
	}()
}
