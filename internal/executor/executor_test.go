package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	goruntime "runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/fleetd/internal/config"
	"github.com/nextlevelbuilder/fleetd/internal/hooks"
	"github.com/nextlevelbuilder/fleetd/internal/jobstore"
	"github.com/nextlevelbuilder/fleetd/internal/runtime"
	"github.com/nextlevelbuilder/fleetd/internal/state"
	"github.com/nextlevelbuilder/fleetd/internal/workspace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedCall describes one expected runtime.Execute invocation.
type scriptedCall struct {
	execErr   error
	msgs      []runtime.Message
	hang      bool // keep the stream open until the consumer cancels
	finishErr error
}

type fakeRuntime struct {
	mu     sync.Mutex
	calls  []runtime.Request
	script []scriptedCall
}

func (f *fakeRuntime) Name() string       { return "fake" }
func (f *fakeRuntime) ContextKey() string { return "fake:test" }

func (f *fakeRuntime) Execute(ctx context.Context, req runtime.Request) (*runtime.Stream, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	if len(f.script) == 0 {
		f.mu.Unlock()
		return nil, errors.New("unexpected Execute call")
	}
	call := f.script[0]
	f.script = f.script[1:]
	f.mu.Unlock()

	if call.execErr != nil {
		return nil, call.execErr
	}
	sctx, cancel := context.WithCancel(ctx)
	s := runtime.NewStream(len(call.msgs)+1, cancel)
	go func() {
		for _, m := range call.msgs {
			if !s.Send(sctx, m) {
				break
			}
		}
		if call.hang {
			<-sctx.Done()
		}
		s.Finish(call.finishErr)
	}()
	return s, nil
}

func (f *fakeRuntime) requests() []runtime.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]runtime.Request(nil), f.calls...)
}

func initMsg(sessionID, model string) runtime.Message {
	return runtime.Message{Type: runtime.TypeSystem, Subtype: runtime.SubtypeInit, SessionID: sessionID, Model: model}
}

func assistantMsg(inputTokens int) runtime.Message {
	return runtime.Message{Type: runtime.TypeAssistant, Text: "working", Usage: &runtime.Usage{InputTokens: inputTokens, OutputTokens: 50}}
}

func resultMsg(text string) runtime.Message {
	return runtime.Message{Type: runtime.TypeResult, Result: text}
}

func newTestExecutor(t *testing.T, rt runtime.Runtime) (*Executor, *jobstore.Store, *state.SessionStore) {
	t.Helper()
	dir := t.TempDir()
	jobs := jobstore.NewStore(dir)
	sessions := state.NewSessionStore(dir)
	e := New(config.FleetSettings{}, jobs, sessions, hooks.NewPipeline(testLogger(), nil), nil, testLogger())
	e.newRuntime = func(string, config.FleetSettings) (runtime.Runtime, error) { return rt, nil }
	return e, jobs, sessions
}

func testAgent(t *testing.T) config.AgentConfig {
	return config.AgentConfig{
		Name:             "coder",
		Model:            "claude-sonnet-4",
		WorkingDirectory: t.TempDir(),
	}
}

func TestExecuteSimpleSuccess(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S1", "claude-sonnet-4"), assistantMsg(5000), resultMsg("all done")}},
	}}
	e, jobs, sessions := newTestExecutor(t, rt)
	agent := testAgent(t)

	res := e.Execute(context.Background(), Options{Agent: agent, Prompt: "do the thing", TriggerSource: jobstore.TriggerManual})

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, "S1", res.SessionID)
	assert.Equal(t, "all done", res.Summary)
	assert.Zero(t, res.Handoffs)

	job, err := jobs.Get(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
	assert.Equal(t, "S1", job.SessionID)
	require.NotNil(t, job.FinishedAt)

	rec, err := sessions.Get("coder")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "S1", rec.SessionID)
	assert.Equal(t, "fake:test", rec.RuntimeContext)
}

func TestExecuteHandoffFlow(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		// Session A fills its window and the stream is abandoned mid-flight.
		{msgs: []runtime.Message{initMsg("S_A", "claude-sonnet-4"), assistantMsg(185_000)}, hang: true},
		// Sub-query against the exhausted session writes the handoff document.
		{msgs: []runtime.Message{resultMsg("HANDOFF: finish the tests in pkg/foo")}},
		// Continuation session completes the work.
		{msgs: []runtime.Message{initMsg("S_B", "claude-sonnet-4"), assistantMsg(9000), resultMsg("done after handoff")}},
	}}
	e, jobs, sessions := newTestExecutor(t, rt)
	agent := testAgent(t)

	res := e.Execute(context.Background(), Options{Agent: agent, Prompt: "refactor everything", TriggerSource: jobstore.TriggerScheduler})

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, 1, res.Handoffs)
	assert.Equal(t, "S_B", res.SessionID)

	calls := rt.requests()
	require.Len(t, calls, 3)
	assert.Equal(t, "S_A", calls[1].ResumeSessionID, "sub-query resumes the exhausted session")
	assert.Equal(t, 1, calls[1].MaxTurns)
	assert.Empty(t, calls[2].ResumeSessionID, "continuation starts fresh")
	assert.Contains(t, calls[2].Prompt, "HANDOFF: finish the tests")
	assert.Contains(t, calls[2].Prompt, "refactor everything")

	// Output ordering: init A, then the handoff pair, then init B.
	entries, err := jobs.ReadOutput(res.JobID)
	require.NoError(t, err)
	var order []string
	for _, entry := range entries {
		if entry.Type == runtime.TypeSystem {
			order = append(order, entry.Subtype)
		}
	}
	assert.Equal(t, []string{
		runtime.SubtypeInit,
		runtime.SubtypeContextHandoff,
		runtime.SubtypeHandoffDocument,
		runtime.SubtypeInit,
	}, order)

	job, err := jobs.Get(res.JobID)
	require.NoError(t, err)
	require.NotNil(t, job.Tokens)
	assert.Equal(t, 1, job.Tokens.HandoffCount)

	rec, err := sessions.Get("coder")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "S_B", rec.SessionID)
}

func TestExecuteMaxHandoffsExceeded(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S_A", "claude-sonnet-4"), assistantMsg(185_000)}, hang: true},
		{msgs: []runtime.Message{resultMsg("HANDOFF DOC")}},
		// The continuation exhausts its window too, with no handoff budget left.
		{msgs: []runtime.Message{initMsg("S_B", "claude-sonnet-4"), assistantMsg(190_000), resultMsg("ran out anyway")}},
	}}
	e, jobs, _ := newTestExecutor(t, rt)
	agent := testAgent(t)
	agent.MaxHandoffs = 1

	res := e.Execute(context.Background(), Options{Agent: agent, Prompt: "huge task"})

	assert.False(t, res.Success)
	assert.Equal(t, FailMaxHandoffs, res.FailureKind)
	assert.Equal(t, 1, res.Handoffs)

	// The job itself still completed.
	job, err := jobs.Get(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCompleted, job.Status)
}

func TestExecuteSubQueryFailureFallsBack(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S_A", "claude-sonnet-4"), assistantMsg(185_000)}, hang: true},
		{execErr: errors.New("backend unavailable")},
		{msgs: []runtime.Message{initMsg("S_B", "claude-sonnet-4"), resultMsg("recovered")}},
	}}
	e, jobs, _ := newTestExecutor(t, rt)

	res := e.Execute(context.Background(), Options{Agent: testAgent(t), Prompt: "the original task"})

	require.True(t, res.Success, "error: %s", res.Error)
	assert.Equal(t, FailHandoffSubQuery, res.FailureKind)

	calls := rt.requests()
	require.Len(t, calls, 3)
	assert.NotContains(t, calls[2].Prompt, "handoff document:")
	assert.Contains(t, calls[2].Prompt, "the original task")

	// Both handoff markers are still written, with an empty document.
	entries, err := jobs.ReadOutput(res.JobID)
	require.NoError(t, err)
	var sawHandoff, sawDoc bool
	for _, entry := range entries {
		switch entry.Subtype {
		case runtime.SubtypeContextHandoff:
			sawHandoff = true
		case runtime.SubtypeHandoffDocument:
			sawDoc = true
			assert.Empty(t, entry.Text)
		}
	}
	assert.True(t, sawHandoff)
	assert.True(t, sawDoc)
}

func TestExecuteNoInitAfterHandoffClearsSession(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S_A", "claude-sonnet-4"), assistantMsg(185_000)}, hang: true},
		{msgs: []runtime.Message{resultMsg("HANDOFF DOC")}},
		// Continuation terminates without ever announcing a session.
		{msgs: []runtime.Message{resultMsg("done")}},
	}}
	e, _, sessions := newTestExecutor(t, rt)

	res := e.Execute(context.Background(), Options{Agent: testAgent(t), Prompt: "task"})

	assert.Empty(t, res.SessionID)
	rec, err := sessions.Get("coder")
	require.NoError(t, err)
	assert.Nil(t, rec, "no resumable session survives")
}

func TestExecuteRuntimeStreamError(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S1", "claude-sonnet-4")}, finishErr: errors.New("connection reset")},
	}}
	e, jobs, _ := newTestExecutor(t, rt)

	res := e.Execute(context.Background(), Options{Agent: testAgent(t), Prompt: "task"})

	assert.False(t, res.Success)
	assert.Equal(t, FailRuntimeStream, res.FailureKind)
	assert.Contains(t, res.Error, "connection reset")

	job, err := jobs.Get(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
}

func TestExecuteReusesStoredSession(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S9", "claude-sonnet-4"), resultMsg("continued")}},
	}}
	e, _, sessions := newTestExecutor(t, rt)
	agent := testAgent(t)

	require.NoError(t, sessions.Put("coder", state.SessionRecord{
		SessionID:        "S9",
		WorkingDirectory: agent.WorkingDirectory,
		RuntimeContext:   "fake:test",
		LastUsedAt:       time.Now(),
		JobCount:         2,
	}))

	res := e.Execute(context.Background(), Options{Agent: agent, Prompt: "task"})

	require.True(t, res.Success)
	calls := rt.requests()
	require.Len(t, calls, 1)
	assert.Equal(t, "S9", calls[0].ResumeSessionID)

	rec, err := sessions.Get("coder")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 3, rec.JobCount, "job count increments on reuse")
}

func TestExecuteEphemeralAgentNeverResumes(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S1", "claude-sonnet-4"), resultMsg("ok")}},
	}}
	e, _, sessions := newTestExecutor(t, rt)
	agent := testAgent(t)
	agent.SessionMode = config.SessionEphemeral

	require.NoError(t, sessions.Put("coder", state.SessionRecord{
		SessionID:        "OLD",
		WorkingDirectory: agent.WorkingDirectory,
		RuntimeContext:   "fake:test",
	}))

	res := e.Execute(context.Background(), Options{Agent: agent, Prompt: "task"})
	require.True(t, res.Success)
	assert.Empty(t, rt.requests()[0].ResumeSessionID)

	// Ephemeral sessions are not persisted either.
	rec, err := sessions.Get("coder")
	require.NoError(t, err)
	assert.Equal(t, "OLD", rec.SessionID)
}

func TestExecuteStaleStoreResumeRetriesFresh(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{execErr: errors.New("no conversation found with session id S9")},
		{msgs: []runtime.Message{initMsg("S10", "claude-sonnet-4"), resultMsg("fresh start")}},
	}}
	e, _, sessions := newTestExecutor(t, rt)
	agent := testAgent(t)

	require.NoError(t, sessions.Put("coder", state.SessionRecord{
		SessionID:        "S9",
		WorkingDirectory: agent.WorkingDirectory,
		RuntimeContext:   "fake:test",
		LastUsedAt:       time.Now(),
	}))

	res := e.Execute(context.Background(), Options{Agent: agent, Prompt: "task"})

	require.True(t, res.Success, "error: %s", res.Error)
	calls := rt.requests()
	require.Len(t, calls, 2)
	assert.Equal(t, "S9", calls[0].ResumeSessionID)
	assert.Empty(t, calls[1].ResumeSessionID)

	rec, err := sessions.Get("coder")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "S10", rec.SessionID)
}

func TestExecuteExplicitResumeFailureIsSessionInvalidated(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{execErr: errors.New("no conversation found")},
	}}
	e, _, _ := newTestExecutor(t, rt)

	res := e.Execute(context.Background(), Options{
		Agent:           testAgent(t),
		Prompt:          "task",
		ResumeSessionID: "SX",
	})

	assert.False(t, res.Success)
	assert.Equal(t, FailSessionInvalidated, res.FailureKind)
	assert.Len(t, rt.requests(), 1, "explicit resume is not silently retried")
}

func TestExecuteTimeout(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S1", "claude-sonnet-4")}, hang: true},
	}}
	e, jobs, _ := newTestExecutor(t, rt)
	agent := testAgent(t)
	agent.Timeout = "50ms"

	res := e.Execute(context.Background(), Options{Agent: agent, Prompt: "task"})

	assert.False(t, res.Success)
	assert.Equal(t, FailTimedOut, res.FailureKind)

	job, err := jobs.Get(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusTimedOut, job.Status)
}

func TestExecuteCancellation(t *testing.T) {
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S1", "claude-sonnet-4")}, hang: true},
	}}
	e, jobs, _ := newTestExecutor(t, rt)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	res := e.Execute(ctx, Options{Agent: testAgent(t), Prompt: "task"})

	assert.False(t, res.Success)
	assert.Equal(t, FailCancelled, res.FailureKind)

	job, err := jobs.Get(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusCancelled, job.Status)
}

type failingStrategy struct{}

func (failingStrategy) Name() string { return "failing" }

func (failingStrategy) Setup(context.Context, config.AgentConfig, workspace.JobContext) (*workspace.SetupResult, error) {
	return nil, fmt.Errorf("git worktree add: base branch missing")
}

func (failingStrategy) Teardown(context.Context, config.AgentConfig, *workspace.SetupResult, workspace.JobResult) error {
	return nil
}

func TestExecuteWorkspaceSetupFailure(t *testing.T) {
	rt := &fakeRuntime{}
	e, jobs, _ := newTestExecutor(t, rt)
	e.newStrategy = func(config.AgentConfig) (workspace.Strategy, error) { return failingStrategy{}, nil }

	res := e.Execute(context.Background(), Options{Agent: testAgent(t), Prompt: "task"})

	assert.False(t, res.Success)
	assert.Equal(t, FailWorkspaceSetup, res.FailureKind)
	assert.Empty(t, rt.requests(), "runtime never runs")

	job, err := jobs.Get(res.JobID)
	require.NoError(t, err)
	assert.Equal(t, jobstore.StatusFailed, job.Status)
	assert.Contains(t, job.Error, "base branch missing")
}

func TestExecuteSessionStartHookOutputPrepended(t *testing.T) {
	if goruntime.GOOS == "windows" {
		t.Skip("shell hook test relies on sh")
	}
	rt := &fakeRuntime{script: []scriptedCall{
		{msgs: []runtime.Message{initMsg("S_A", "claude-sonnet-4"), assistantMsg(185_000)}, hang: true},
		{msgs: []runtime.Message{resultMsg("HANDOFF DOC")}},
		{msgs: []runtime.Message{initMsg("S_B", "claude-sonnet-4"), resultMsg("done")}},
	}}
	e, _, _ := newTestExecutor(t, rt)
	agent := testAgent(t)
	agent.Hooks = map[string][]config.HookConfig{
		"on_session_start": {{
			Name:    "context-note",
			Type:    config.HookShell,
			Command: "echo repo state: clean",
		}},
	}

	res := e.Execute(context.Background(), Options{Agent: agent, Prompt: "task"})

	require.True(t, res.Success, "error: %s", res.Error)
	calls := rt.requests()
	require.Len(t, calls, 3)
	assert.True(t, strings.HasPrefix(calls[2].Prompt, "repo state: clean"),
		"session-start shell output leads the continuation prompt, got: %q", calls[2].Prompt)
}
