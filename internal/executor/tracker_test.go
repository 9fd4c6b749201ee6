package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nextlevelbuilder/fleetd/internal/runtime"
)

func trackerInitMsg(model string) runtime.Message {
	return runtime.Message{Type: runtime.TypeSystem, Subtype: runtime.SubtypeInit, Model: model}
}

func trackerAssistantMsg(inputTokens int) runtime.Message {
	return runtime.Message{
		Type:  runtime.TypeAssistant,
		Usage: &runtime.Usage{InputTokens: inputTokens},
	}
}

func TestTrackerFiresAtThreshold(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerInitMsg("claude-sonnet-4"))

	tr.Observe(trackerAssistantMsg(100_000)) // 50% remaining
	assert.False(t, tr.ShouldHandoff())

	tr.Observe(trackerAssistantMsg(185_000)) // 7.5% remaining
	assert.True(t, tr.ShouldHandoff())
}

func TestTrackerIsEdgeTriggered(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerInitMsg("claude-sonnet-4"))
	tr.Observe(trackerAssistantMsg(195_000))

	assert.True(t, tr.ShouldHandoff())
	assert.False(t, tr.ShouldHandoff(), "latch must hold after firing")
	assert.True(t, tr.Triggered())
}

func TestTrackerNeverFiresWithoutUsage(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerInitMsg("claude-sonnet-4"))
	assert.False(t, tr.ShouldHandoff())
}

func TestTrackerNeverFiresWithoutWindow(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerAssistantMsg(195_000))
	assert.False(t, tr.ShouldHandoff())
}

func TestTrackerSuppressedWhileCompacting(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerInitMsg("claude-sonnet-4"))
	tr.Observe(trackerAssistantMsg(195_000))
	tr.Observe(runtime.Message{
		Type:    runtime.TypeSystem,
		Subtype: runtime.SubtypeStatus,
		Status:  runtime.StatusCompacting,
	})

	assert.False(t, tr.ShouldHandoff(), "no handoff while compacting")

	// Compaction lands: pre_tokens reflect the compacted history.
	tr.Observe(runtime.Message{
		Type:    runtime.TypeSystem,
		Subtype: runtime.SubtypeCompactBoundary,
		Compact: &runtime.CompactInfo{Trigger: "auto", PreTokens: 40_000},
	})
	assert.False(t, tr.ShouldHandoff(), "compaction freed enough room")
}

func TestTrackerCompactBoundarySetsTokens(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerInitMsg("claude-sonnet-4"))
	tr.Observe(runtime.Message{
		Type:    runtime.TypeSystem,
		Subtype: runtime.SubtypeCompactBoundary,
		Compact: &runtime.CompactInfo{Trigger: "auto", PreTokens: 190_000},
	})
	assert.True(t, tr.ShouldHandoff())
}

func TestTrackerResultOverridesWindow(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerInitMsg("claude-sonnet-4[1m]"))
	tr.Observe(trackerAssistantMsg(195_000))
	assert.False(t, tr.ShouldHandoff(), "1m window has plenty left")

	tr.Observe(runtime.Message{Type: runtime.TypeResult, ContextWindow: 200_000})
	assert.True(t, tr.ShouldHandoff())
}

func TestTrackerCacheTokensCountTowardOccupancy(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerInitMsg("claude-sonnet-4"))
	tr.Observe(runtime.Message{
		Type: runtime.TypeAssistant,
		Usage: &runtime.Usage{
			InputTokens:              5_000,
			CacheCreationInputTokens: 20_000,
			CacheReadInputTokens:     170_000,
		},
	})
	assert.True(t, tr.ShouldHandoff())
}

func TestTrackerResetKeepsWindow(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerInitMsg("claude-sonnet-4"))
	tr.Observe(trackerAssistantMsg(195_000))
	assert.True(t, tr.ShouldHandoff())

	tr.Reset()
	assert.False(t, tr.Triggered())
	assert.False(t, tr.ShouldHandoff(), "tokens cleared by reset")

	snap := tr.Snapshot()
	assert.Equal(t, 200_000, snap.ContextWindow)
	assert.Equal(t, "claude-sonnet-4", snap.ModelName)
	assert.Zero(t, snap.InputTokens)
}

func TestTrackerSnapshotPercents(t *testing.T) {
	tr := NewContextTracker(0.10)
	tr.Observe(trackerInitMsg("claude-sonnet-4"))
	tr.Observe(trackerAssistantMsg(150_000))

	snap := tr.Snapshot()
	assert.InDelta(t, 75.0, snap.UsagePercent, 0.01)
	assert.InDelta(t, 25.0, snap.RemainingPercent, 0.01)
}
