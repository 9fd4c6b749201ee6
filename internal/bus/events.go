// Package bus provides the typed fleet event stream. Subsystems publish
// lifecycle events here; observers (CLI, hooks, tests) subscribe by id.
package bus

import (
	"sync"
	"time"
)

// Event names published by the fleet.
const (
	EventJobQueued        = "job:queued"
	EventJobStarted       = "job:started"
	EventJobCompleted     = "job:completed"
	EventJobFailed        = "job:failed"
	EventJobOutput        = "job:output"
	EventChatHandled      = "chat:message:handled"
	EventChatError        = "chat:message:error"
	EventSessionLifecycle = "session:lifecycle"
	EventHandoffStart     = "context:handoff:start"
	EventHandoffComplete  = "context:handoff:complete"
	EventWebhookReceived  = "webhook:received"
	EventClaimFailed      = "work_source:claim_failed"
	EventScheduleDisabled = "schedule:disabled"
)

// Event is one published fleet event.
type Event struct {
	Name      string         `json:"name"`
	AgentName string         `json:"agent_name,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Handler receives published events. Handlers must not block; slow consumers
// should hand off to their own goroutine.
type Handler func(Event)

// Publisher abstracts event publication for subsystems that only emit.
type Publisher interface {
	Publish(event Event)
}

// Bus is the process-wide fleet event bus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]Handler)}
}

// Subscribe registers a handler under an id, replacing any previous handler
// with the same id.
func (b *Bus) Subscribe(id string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

// Unsubscribe removes a handler by id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// Publish delivers an event to all subscribers. The timestamp is stamped here
// when the caller left it zero.
func (b *Bus) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.handlers))
	for _, h := range b.handlers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
