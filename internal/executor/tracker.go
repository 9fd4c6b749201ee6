package executor

import (
	"github.com/nextlevelbuilder/fleetd/internal/runtime"
)

// ContextTracker watches a runtime stream for context window occupancy and
// decides when a handoff is due. The handoff decision is edge-triggered: once
// it fires it stays latched until Reset.
type ContextTracker struct {
	threshold float64 // remaining fraction at or below which handoff fires

	modelName       string
	contextWindow   int
	lastInputTokens int
	isCompacting    bool
	triggered       bool
}

// NewContextTracker creates a tracker firing when the remaining fraction of
// the context window drops to threshold or below.
func NewContextTracker(threshold float64) *ContextTracker {
	return &ContextTracker{threshold: threshold}
}

// Observe feeds one runtime message into the tracker.
func (t *ContextTracker) Observe(msg runtime.Message) {
	switch msg.Type {
	case runtime.TypeSystem:
		switch msg.Subtype {
		case runtime.SubtypeInit:
			if msg.Model != "" {
				t.modelName = msg.Model
				t.contextWindow = runtime.ContextWindowForModel(msg.Model)
			}
		case runtime.SubtypeCompactBoundary:
			if msg.Compact != nil {
				t.lastInputTokens = msg.Compact.PreTokens
			}
			t.isCompacting = false
		case runtime.SubtypeStatus:
			if msg.Status == runtime.StatusCompacting {
				t.isCompacting = true
			}
		}
	case runtime.TypeAssistant:
		if msg.Usage != nil {
			t.lastInputTokens = msg.Usage.TotalInputTokens()
		}
		t.isCompacting = false
	case runtime.TypeResult:
		if msg.ContextWindow > 0 {
			t.contextWindow = msg.ContextWindow
		}
	}
}

// ShouldHandoff reports whether a context handoff is due, latching on the
// first true result. It never fires during compaction or before any usage has
// been observed.
func (t *ContextTracker) ShouldHandoff() bool {
	if t.triggered || t.isCompacting {
		return false
	}
	if t.contextWindow <= 0 || t.lastInputTokens <= 0 {
		return false
	}
	remaining := 1 - float64(t.lastInputTokens)/float64(t.contextWindow)
	if remaining <= t.threshold {
		t.triggered = true
		return true
	}
	return false
}

// Triggered reports whether the latch has fired.
func (t *ContextTracker) Triggered() bool {
	return t.triggered
}

// Reset prepares the tracker for the continuation session. The model and its
// window carry over; tokens, compaction state, and the latch clear.
func (t *ContextTracker) Reset() {
	t.lastInputTokens = 0
	t.isCompacting = false
	t.triggered = false
}

// Snapshot returns the tracker's current occupancy figures for hook payloads
// and logging.
func (t *ContextTracker) Snapshot() ContextSnapshot {
	snap := ContextSnapshot{
		ModelName:     t.modelName,
		InputTokens:   t.lastInputTokens,
		ContextWindow: t.contextWindow,
	}
	if t.contextWindow > 0 {
		snap.UsagePercent = 100 * float64(t.lastInputTokens) / float64(t.contextWindow)
		snap.RemainingPercent = 100 - snap.UsagePercent
	}
	return snap
}

// ContextSnapshot is a point-in-time view of context occupancy.
type ContextSnapshot struct {
	ModelName        string  `json:"model_name"`
	InputTokens      int     `json:"input_tokens"`
	ContextWindow    int     `json:"context_window"`
	UsagePercent     float64 `json:"usage_percent"`
	RemainingPercent float64 `json:"remaining_percent"`
}
