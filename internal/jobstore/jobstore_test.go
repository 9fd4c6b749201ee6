package jobstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	store := NewStore(t.TempDir())

	id, err := store.Create(Job{
		AgentName:     "coder",
		TriggerSource: TriggerManual,
		Prompt:        "fix the build",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, "coder", job.AgentName)
	assert.False(t, job.StartedAt.IsZero())
}

func TestGetMissing(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Get("nope")
	assert.Error(t, err)
}

func TestUpdateStatusLifecycle(t *testing.T) {
	store := NewStore(t.TempDir())
	id, err := store.Create(Job{AgentName: "coder", TriggerSource: TriggerScheduler})
	require.NoError(t, err)

	require.NoError(t, store.UpdateStatus(id, StatusRunning, StatusPatch{SessionID: "S1"}))

	finished := time.Now()
	require.NoError(t, store.UpdateStatus(id, StatusCompleted, StatusPatch{
		FinishedAt: &finished,
		Tokens:     &TokenStats{CumulativeInput: 120_000, LastOutput: 900, HandoffCount: 1},
		Summary:    "done",
	}))

	job, err := store.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, "S1", job.SessionID)
	require.NotNil(t, job.FinishedAt)
	assert.Equal(t, 120_000, job.Tokens.CumulativeInput)
	assert.Equal(t, 1, job.Tokens.HandoffCount)
	assert.Equal(t, "done", job.Summary)
}

func TestUpdateStatusRejectsLeavingTerminal(t *testing.T) {
	store := NewStore(t.TempDir())
	id, err := store.Create(Job{AgentName: "coder", TriggerSource: TriggerChat})
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(id, StatusFailed, StatusPatch{Error: "boom"}))

	err = store.UpdateStatus(id, StatusRunning, StatusPatch{})
	assert.Error(t, err)
}

func TestAppendAndReadOutput(t *testing.T) {
	store := NewStore(t.TempDir())
	id, err := store.Create(Job{AgentName: "coder", TriggerSource: TriggerWebhook})
	require.NoError(t, err)

	entries := []OutputEntry{
		{Type: "system", Subtype: "init"},
		{Type: "assistant", Text: "working on it"},
		{Type: "system", Subtype: "context_handoff"},
		{Type: "system", Subtype: "handoff_document", Text: "state so far"},
		{Type: "result", Text: "finished"},
	}
	for _, e := range entries {
		require.NoError(t, store.AppendOutput(id, e))
	}
	require.NoError(t, store.CloseOutput(id))

	got, err := store.ReadOutput(id)
	require.NoError(t, err)
	require.Len(t, got, len(entries))
	for i := range entries {
		assert.Equal(t, entries[i].Type, got[i].Type, "entry %d", i)
		assert.Equal(t, entries[i].Subtype, got[i].Subtype, "entry %d", i)
		assert.False(t, got[i].At.IsZero(), "entry %d", i)
	}
}

func TestReadOutputMissingLog(t *testing.T) {
	store := NewStore(t.TempDir())
	got, err := store.ReadOutput("no-such-job")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListNewestFirst(t *testing.T) {
	store := NewStore(t.TempDir())

	old := time.Now().Add(-time.Hour)
	_, err := store.Create(Job{ID: "old", AgentName: "a", TriggerSource: TriggerManual, StartedAt: old})
	require.NoError(t, err)
	_, err = store.Create(Job{ID: "new", AgentName: "a", TriggerSource: TriggerManual, StartedAt: time.Now()})
	require.NoError(t, err)

	jobs, err := store.List()
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, "new", jobs[0].ID)
	assert.Equal(t, "old", jobs[1].ID)
}

func TestIsTerminalStatus(t *testing.T) {
	assert.True(t, IsTerminalStatus(StatusCompleted))
	assert.True(t, IsTerminalStatus(StatusFailed))
	assert.True(t, IsTerminalStatus(StatusCancelled))
	assert.True(t, IsTerminalStatus(StatusTimedOut))
	assert.False(t, IsTerminalStatus(StatusPending))
	assert.False(t, IsTerminalStatus(StatusRunning))
}
