package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionStoreRoundTrip(t *testing.T) {
	store := NewSessionStore(t.TempDir())

	rec := SessionRecord{
		SessionID:        "S1",
		WorkingDirectory: "/work/coder",
		RuntimeContext:   "subprocess:claude",
		JobCount:         2,
	}
	require.NoError(t, store.Put("coder", rec))

	got, err := store.Get("coder")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "S1", got.SessionID)
	assert.Equal(t, "coder", got.AgentName)
	assert.Equal(t, "/work/coder", got.WorkingDirectory)
	assert.Equal(t, 2, got.JobCount)
	assert.False(t, got.LastUsedAt.IsZero())
}

func TestSessionStoreGetMissing(t *testing.T) {
	store := NewSessionStore(t.TempDir())
	got, err := store.Get("nobody")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSessionStoreSurvivesReload(t *testing.T) {
	root := t.TempDir()

	store := NewSessionStore(root)
	require.NoError(t, store.Put("coder", SessionRecord{
		SessionID:        "S1",
		WorkingDirectory: "/work",
		RuntimeContext:   "subprocess:claude",
	}))

	// Fresh store instance simulates a process restart.
	reloaded := NewSessionStore(root)
	got, err := reloaded.Get("coder")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "S1", got.SessionID)
}

func TestSessionStoreCorruptFile(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sessions")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "coder.json"), []byte("{not json"), 0o644))

	store := NewSessionStore(root)
	_, err := store.Get("coder")
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestSessionStoreRejectsUnknownFields(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "sessions")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	blob := `{"version":1,"session_id":"S1","agent_name":"coder","surprise":true}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "coder.json"), []byte(blob), 0o644))

	store := NewSessionStore(root)
	_, err := store.Get("coder")
	assert.ErrorIs(t, err, ErrCorruptState)
}

func TestSessionStoreClear(t *testing.T) {
	store := NewSessionStore(t.TempDir())
	require.NoError(t, store.Put("coder", SessionRecord{SessionID: "S1"}))

	existed, err := store.Clear("coder")
	require.NoError(t, err)
	assert.True(t, existed)

	got, err := store.Get("coder")
	require.NoError(t, err)
	assert.Nil(t, got)

	existed, err = store.Clear("coder")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestSessionRecordReusable(t *testing.T) {
	now := time.Now()
	rec := &SessionRecord{
		SessionID:        "S1",
		WorkingDirectory: "/work",
		RuntimeContext:   "subprocess:claude",
		LastUsedAt:       now.Add(-2 * time.Hour),
	}

	tests := []struct {
		name       string
		workDir    string
		runtimeCtx string
		ttl        time.Duration
		wantOK     bool
		wantReason string
	}{
		{"matching", "/work", "subprocess:claude", 0, true, ReuseOK},
		{"working dir changed", "/elsewhere", "subprocess:claude", 0, false, ReuseWorkingDirChanged},
		{"runtime changed", "/work", "in_process:anthropic", 0, false, ReuseRuntimeChanged},
		{"expired", "/work", "subprocess:claude", time.Hour, false, ReuseExpired},
		{"within ttl", "/work", "subprocess:claude", 3 * time.Hour, true, ReuseOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := rec.Reusable(tt.workDir, tt.runtimeCtx, tt.ttl, now)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantReason, reason)
		})
	}
}

func TestSessionStoreCleanupExpired(t *testing.T) {
	root := t.TempDir()
	store := NewSessionStore(root)

	now := time.Now()
	require.NoError(t, store.Put("old", SessionRecord{
		SessionID:  "S-old",
		LastUsedAt: now.Add(-48 * time.Hour),
	}))
	require.NoError(t, store.Put("fresh", SessionRecord{
		SessionID:  "S-fresh",
		LastUsedAt: now,
	}))

	removed := store.CleanupExpired(now, 24*time.Hour)
	assert.Equal(t, 1, removed)

	got, err := store.Get("fresh")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "S-fresh", got.SessionID)

	gone, err := store.Get("old")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
