package fleet

import (
	"context"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/fleetd/internal/bus"
	"github.com/nextlevelbuilder/fleetd/internal/chat"
	"github.com/nextlevelbuilder/fleetd/internal/config"
	"github.com/nextlevelbuilder/fleetd/internal/executor"
	"github.com/nextlevelbuilder/fleetd/internal/jobstore"
	"github.com/nextlevelbuilder/fleetd/internal/state"
)

// chatHandler adapts connector message events into fleet triggers. The
// connector's dispatch goroutine must not block for a whole job, so the
// heavy lifting runs on a tracked goroutine.
func (f *Fleet) chatHandler(platform string) chat.Handler {
	return func(_ context.Context, ev chat.MessageEvent) {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.guard("chat."+platform, func() {
				f.handleChatMessage(f.jobCtx, platform, ev)
			})
		}()
	}
}

func (f *Fleet) handleChatMessage(ctx context.Context, platform string, ev chat.MessageEvent) {
	agent, ok := f.agentConfig(ev.AgentName)
	if !ok {
		f.log.Error("fleet.chat_agent_missing", "platform", platform, "agent", ev.AgentName)
		return
	}

	if ev.Indicator != nil {
		cancel := ev.Indicator()
		defer cancel()
	}

	key := ev.Metadata.ChannelID
	opts := TriggerOptions{
		Prompt:          chatPrompt(ev),
		TriggerSource:   jobstore.TriggerChat,
		ConversationKey: platform + "/" + ev.AgentName + "/" + key,
	}

	rec, found, err := f.convkeys.Get(platform, ev.AgentName, key)
	if err != nil {
		f.log.Warn("fleet.conversation_load_failed", "platform", platform, "agent", ev.AgentName, "error", err)
	}
	if found {
		opts.ResumeSessionID = rec.SessionID
	}
	f.publishLifecycle(platform, ev.AgentName, key, found)

	// A per-job tool server lets the agent push files back to the surface
	// that asked for them.
	if ev.ReplyWithFile != nil {
		ts := executor.NewToolServer(key, ev.AgentName, agent.WorkingDirectory, executor.FileSender(ev.ReplyWithFile), f.log)
		if err := ts.Start(); err != nil {
			f.log.Warn("fleet.toolserver_start_failed", "agent", ev.AgentName, "error", err)
		} else {
			defer func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				ts.Stop(stopCtx)
			}()
			opts.ExtraMCPServers = map[string]config.MCPServer{"fleetd_job": ts.MCPServer()}
		}
	}

	res, err := f.Trigger(ctx, ev.AgentName, opts)
	if err != nil {
		f.events.Publish(bus.Event{Name: bus.EventChatError, AgentName: ev.AgentName, At: f.now(),
			Payload: map[string]any{"platform": platform, "error": err.Error()}})
		f.replyText(ctx, platform, ev, "Sorry, I could not start that job: "+err.Error())
		return
	}

	if res.SessionID != "" {
		err := f.convkeys.Put(platform, ev.AgentName, key, state.ConversationRecord{
			SessionID:      res.SessionID,
			LastActivityAt: f.now(),
		})
		if err != nil {
			f.log.Warn("fleet.conversation_save_failed", "platform", platform, "agent", ev.AgentName, "error", err)
		}
	}

	if res.Success {
		f.replyText(ctx, platform, ev, res.Summary)
		f.events.Publish(bus.Event{Name: bus.EventChatHandled, AgentName: ev.AgentName, JobID: res.JobID, At: f.now(),
			Payload: map[string]any{"platform": platform, "channel": key}})
		return
	}

	f.replyText(ctx, platform, ev, failureReply(res))
	f.events.Publish(bus.Event{Name: bus.EventChatError, AgentName: ev.AgentName, JobID: res.JobID, At: f.now(),
		Payload: map[string]any{"platform": platform, "error": res.Error, "failure_kind": res.FailureKind}})
}

// replyText delivers text through the platform's paced responder so long
// answers split on message limits instead of being rejected.
func (f *Fleet) replyText(ctx context.Context, platform string, ev chat.MessageEvent, text string) {
	if text == "" || ev.Reply == nil {
		return
	}
	var opts chat.ResponderOptions
	switch platform {
	case "discord":
		opts = chat.DiscordResponderOptions()
	case "telegram":
		opts = chat.TelegramResponderOptions()
	default:
		if err := ev.Reply(ctx, text); err != nil {
			f.log.Warn("fleet.chat_reply_failed", "platform", platform, "error", err)
		}
		return
	}
	r := chat.NewResponder(chat.SendFunc(ev.Reply), opts)
	if err := r.Add(ctx, text); err == nil {
		err = r.Flush(ctx)
		if err != nil {
			f.log.Warn("fleet.chat_reply_failed", "platform", platform, "error", err)
		}
	} else {
		f.log.Warn("fleet.chat_reply_failed", "platform", platform, "error", err)
	}
}

func (f *Fleet) publishLifecycle(platform, agent, key string, resumed bool) {
	kind := chat.EventSessionCreated
	if resumed {
		kind = chat.EventSessionResumed
	}
	f.events.Publish(bus.Event{Name: bus.EventSessionLifecycle, AgentName: agent, At: f.now(),
		Payload: map[string]any{"kind": kind, "platform": platform, "conversation": key}})
}

func failureReply(res *TriggerResult) string {
	switch res.FailureKind {
	case executor.FailTimedOut:
		return fmt.Sprintf("The job timed out (job %s).", res.JobID)
	case executor.FailCancelled:
		return fmt.Sprintf("The job was cancelled (job %s).", res.JobID)
	case executor.FailMaxHandoffs:
		return fmt.Sprintf("I hit the context handoff limit before finishing (job %s). Partial results:\n\n%s", res.JobID, res.Summary)
	}
	if res.Error != "" {
		return fmt.Sprintf("The job failed (job %s): %s", res.JobID, res.Error)
	}
	return fmt.Sprintf("The job failed (job %s).", res.JobID)
}

// resetConversation backs the reset chat command. It clears the key on every
// platform; a channel id is only ever claimed by one of them.
func (f *Fleet) resetConversation(_ context.Context, agent, key string) (bool, error) {
	cleared := false
	for _, platform := range []string{"discord", "telegram", "tracker", "webhook"} {
		ok, err := f.convkeys.Clear(platform, agent, key)
		if err != nil {
			return cleared, err
		}
		if ok {
			cleared = true
			f.events.Publish(bus.Event{Name: bus.EventSessionLifecycle, AgentName: agent, At: f.now(),
				Payload: map[string]any{"kind": chat.EventSessionCleared, "platform": platform, "conversation": key}})
		}
	}
	return cleared, nil
}

// agentStatus backs the status chat command.
func (f *Fleet) agentStatus(_ context.Context, agent string) (string, error) {
	if _, ok := f.agentConfig(agent); !ok {
		return "", fmt.Errorf("%w: %q", ErrAgentNotFound, agent)
	}

	jobs, err := f.jobs.List()
	if err != nil {
		return "", err
	}
	running := 0
	var last *jobstore.Job
	for i := range jobs {
		if jobs[i].AgentName != agent {
			continue
		}
		if !jobstore.IsTerminalStatus(jobs[i].Status) {
			running++
		}
		if last == nil {
			last = &jobs[i]
		}
	}

	if last == nil {
		return fmt.Sprintf("%s: idle, no jobs yet", agent), nil
	}
	status := fmt.Sprintf("%s: %d running, last job %s %s", agent, running, last.ID, last.Status)
	if rec, err := f.sessions.Get(agent); err == nil && rec != nil {
		status += fmt.Sprintf(", session %s (%d jobs)", rec.SessionID, rec.JobCount)
	}
	return status, nil
}

func chatPrompt(ev chat.MessageEvent) string {
	if ev.ConversationContext == "" {
		return ev.Prompt
	}
	return "Recent conversation for context:\n" + ev.ConversationContext + "\n\n" + ev.Prompt
}
