package fleet

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/fleetd/internal/chat"
	"github.com/nextlevelbuilder/fleetd/internal/config"
	"github.com/nextlevelbuilder/fleetd/internal/jobstore"
	"github.com/nextlevelbuilder/fleetd/internal/runtime"
	"github.com/nextlevelbuilder/fleetd/internal/state"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRuntime completes every request with one assistant turn. When block is
// set, streams wait on it before producing, which lets tests observe
// concurrency.
type fakeRuntime struct {
	mu            sync.Mutex
	calls         []runtime.Request
	block         chan struct{}
	sessionSeq    int
	concurrent    int
	maxConcurrent int
}

func (r *fakeRuntime) Name() string       { return "fake" }
func (r *fakeRuntime) ContextKey() string { return "fake:test" }

func (r *fakeRuntime) Execute(ctx context.Context, req runtime.Request) (*runtime.Stream, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.sessionSeq++
	id := fmt.Sprintf("S%d", r.sessionSeq)
	r.concurrent++
	if r.concurrent > r.maxConcurrent {
		r.maxConcurrent = r.concurrent
	}
	block := r.block
	r.mu.Unlock()

	s := runtime.NewStream(4, nil)
	go func() {
		defer func() {
			r.mu.Lock()
			r.concurrent--
			r.mu.Unlock()
		}()
		if block != nil {
			select {
			case <-block:
			case <-ctx.Done():
				s.Finish(ctx.Err())
				return
			}
		}
		s.Send(ctx, runtime.Message{Type: runtime.TypeSystem, Subtype: runtime.SubtypeInit, SessionID: id})
		s.Send(ctx, runtime.Message{Type: runtime.TypeAssistant, Text: "working", Usage: &runtime.Usage{InputTokens: 100, OutputTokens: 20}})
		s.Send(ctx, runtime.Message{Type: runtime.TypeResult, SessionID: id, Result: "all good"})
		s.Finish(nil)
	}()
	return s, nil
}

func (r *fakeRuntime) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *fakeRuntime) call(i int) runtime.Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

func testFleet(t *testing.T) (*Fleet, *fakeRuntime) {
	t.Helper()
	cfg := &config.Config{
		Fleet: config.FleetSettings{StateRoot: t.TempDir()},
		Agents: map[string]config.AgentConfig{
			"coder": {Name: "coder", WorkingDirectory: t.TempDir()},
		},
	}
	f, err := New(cfg, "", testLogger())
	require.NoError(t, err)

	rt := &fakeRuntime{}
	f.exec.SetRuntimeFactory(func(string, config.FleetSettings) (runtime.Runtime, error) { return rt, nil })
	f.jobCtx, f.cancelJobs = context.WithCancel(context.Background())
	t.Cleanup(f.cancelJobs)
	return f, rt
}

func TestTriggerRunsJobToCompletion(t *testing.T) {
	f, rt := testFleet(t)

	res, err := f.Trigger(context.Background(), "coder", TriggerOptions{Prompt: "fix the build"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "all good", res.Summary)
	assert.Equal(t, "S1", res.SessionID)

	job, err := f.jobs.Get(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
	assert.Equal(t, jobstore.TriggerManual, job.TriggerSource)

	require.Equal(t, 1, rt.callCount())
	assert.Equal(t, "fix the build", rt.call(0).Prompt)
}

func TestTriggerUnknownAgent(t *testing.T) {
	f, _ := testFleet(t)

	_, err := f.Trigger(context.Background(), "ghost", TriggerOptions{Prompt: "x"})
	require.ErrorIs(t, err, ErrAgentNotFound)
}

func TestPerAgentConcurrencyBound(t *testing.T) {
	f, rt := testFleet(t)
	rt.block = make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.Trigger(context.Background(), "coder", TriggerOptions{Prompt: "job"})
			assert.NoError(t, err)
		}()
	}

	// Only one job may hold the agent slot at a time.
	require.Eventually(t, func() bool { return rt.callCount() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, rt.callCount(), "second job must wait for the slot")

	close(rt.block)
	wg.Wait()

	assert.Equal(t, 2, rt.callCount())
	rt.mu.Lock()
	assert.Equal(t, 1, rt.maxConcurrent)
	rt.mu.Unlock()
}

func TestWebhookTriggerKeepsConversation(t *testing.T) {
	f, rt := testFleet(t)
	route := config.RouteConfig{Name: "deploy-alert", Source: "ci", Agent: "coder"}

	f.webhookTrigger(context.Background(), route, "deploy failed, investigate", "pipeline-42", nil)
	f.wg.Wait()

	rec, found, err := f.convkeys.Get("webhook", "coder", "pipeline-42")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "S1", rec.SessionID)

	// The next delivery for the same key resumes the stored session.
	f.webhookTrigger(context.Background(), route, "still failing", "pipeline-42", nil)
	f.wg.Wait()

	require.Equal(t, 2, rt.callCount())
	assert.Equal(t, "S1", rt.call(1).ResumeSessionID)
}

func TestChatMessageRepliesAndPersistsConversation(t *testing.T) {
	f, rt := testFleet(t)

	var mu sync.Mutex
	var replies []string
	ev := chat.MessageEvent{
		AgentName: "coder",
		Prompt:    "what changed today?",
		Metadata:  chat.MessageMetadata{ChannelID: "chan-9"},
		Reply: func(_ context.Context, text string) error {
			mu.Lock()
			replies = append(replies, text)
			mu.Unlock()
			return nil
		},
	}

	f.handleChatMessage(context.Background(), "discord", ev)

	mu.Lock()
	require.NotEmpty(t, replies)
	assert.Contains(t, replies[len(replies)-1], "all good")
	mu.Unlock()

	rec, found, err := f.convkeys.Get("discord", "coder", "chan-9")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "S1", rec.SessionID)

	// Follow-up in the same channel resumes the conversation.
	f.handleChatMessage(context.Background(), "discord", ev)
	require.Equal(t, 2, rt.callCount())
	assert.Equal(t, "S1", rt.call(1).ResumeSessionID)
}

func TestStartupCleanupMarksInterruptedJobs(t *testing.T) {
	f, _ := testFleet(t)

	id, err := f.jobs.Create(jobstore.Job{AgentName: "coder", Status: jobstore.StatusRunning, Prompt: "was running"})
	require.NoError(t, err)

	f.cleanupOnStart(context.Background())

	job, err := f.jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "interrupted by restart")
	require.NotNil(t, job.FinishedAt)
}

func TestResetConversationCommand(t *testing.T) {
	f, _ := testFleet(t)

	require.NoError(t, f.convkeys.Put("discord", "coder", "chan-1", state.ConversationRecord{
		SessionID:      "S7",
		LastActivityAt: time.Now(),
	}))

	cleared, err := f.resetConversation(context.Background(), "coder", "chan-1")
	require.NoError(t, err)
	assert.True(t, cleared)

	_, found, err := f.convkeys.Get("discord", "coder", "chan-1")
	require.NoError(t, err)
	assert.False(t, found)

	cleared, err = f.resetConversation(context.Background(), "coder", "chan-1")
	require.NoError(t, err)
	assert.False(t, cleared)
}

func TestAgentStatusCommand(t *testing.T) {
	f, _ := testFleet(t)

	line, err := f.agentStatus(context.Background(), "coder")
	require.NoError(t, err)
	assert.Contains(t, line, "idle")

	res, err := f.Trigger(context.Background(), "coder", TriggerOptions{Prompt: "x"})
	require.NoError(t, err)

	line, err = f.agentStatus(context.Background(), "coder")
	require.NoError(t, err)
	assert.Contains(t, line, res.JobID)
	assert.Contains(t, line, jobstore.StatusCompleted)

	_, err = f.agentStatus(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrAgentNotFound)
}
