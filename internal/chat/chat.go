// Package chat defines the platform-neutral surface between chat connectors
// and the fleet manager: message events, connector lifecycle, and the
// streaming responder that chunks agent output back to a platform.
package chat

import (
	"context"
	"sync"
	"time"
)

// ConnectorState is the connection lifecycle of one connector.
type ConnectorState string

const (
	StateDisconnected  ConnectorState = "disconnected"
	StateConnecting    ConnectorState = "connecting"
	StateConnected     ConnectorState = "connected"
	StateDisconnecting ConnectorState = "disconnecting"
)

// Typed connector events.
const (
	EventReady           = "ready"
	EventDisconnect      = "disconnect"
	EventError           = "error"
	EventMessage         = "message"
	EventMessageIgnored  = "message_ignored"
	EventCommandExecuted = "command_executed"
	EventSessionCreated  = "session_lifecycle:created"
	EventSessionResumed  = "session_lifecycle:resumed"
	EventSessionExpired  = "session_lifecycle:expired"
	EventSessionCleared  = "session_lifecycle:cleared"
)

// MessageMetadata identifies where a chat message came from.
type MessageMetadata struct {
	ChannelID    string
	MessageID    string
	UserID       string
	WasMentioned bool
	TriggerKind  string // "mention", "dm", "command", "issue_event"
}

// FileRef names a file an agent wants delivered to the channel.
type FileRef struct {
	Path     string
	Filename string
	Caption  string
}

// MessageEvent is the abstract chat trigger handed to the fleet manager.
// Reply and ReplyWithFile post back to the originating conversation;
// Indicator starts a typing indicator and returns its cancel.
type MessageEvent struct {
	AgentName           string
	Prompt              string
	Metadata            MessageMetadata
	ConversationContext string
	Reply               func(ctx context.Context, text string) error
	ReplyWithFile       func(ctx context.Context, file FileRef) error
	Indicator           func() (cancel func())
}

// Handler consumes message events from a connector.
type Handler func(ctx context.Context, ev MessageEvent)

// Connector is one platform connection (shared or per-agent).
type Connector interface {
	Platform() string
	State() ConnectorState
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// StateMachine tracks connector state with the legal transitions enforced.
type StateMachine struct {
	mu    sync.Mutex
	state ConnectorState
}

// NewStateMachine starts disconnected.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateDisconnected}
}

// State returns the current state.
func (m *StateMachine) State() ConnectorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// To moves to next if the transition is legal and reports whether it was.
// An error event forces disconnected from any state.
func (m *StateMachine) To(next ConnectorState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	legal := map[ConnectorState][]ConnectorState{
		StateDisconnected:  {StateConnecting},
		StateConnecting:    {StateConnected, StateDisconnected},
		StateConnected:     {StateDisconnecting, StateDisconnected},
		StateDisconnecting: {StateDisconnected},
	}
	for _, allowed := range legal[m.state] {
		if allowed == next {
			m.state = next
			return true
		}
	}
	return false
}

// Fail records an error transition to disconnected.
func (m *StateMachine) Fail() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateDisconnected
}

// TypingOptions configure a typing indicator controller.
type TypingOptions struct {
	MaxDuration       time.Duration // safety stop, default 60s
	KeepaliveInterval time.Duration // re-send cadence, 0 = fire once
	StartFn           func() error
	StopFn            func()
}

// TypingController keeps a platform typing indicator alive until stopped.
// Indicators on most platforms expire after a few seconds, so the controller
// re-fires StartFn on a keepalive interval with a TTL safety net.
type TypingController struct {
	stop     chan struct{}
	stopOnce sync.Once
	stopFn   func()
}

// StartTyping fires the indicator and returns its controller.
func StartTyping(opts TypingOptions) *TypingController {
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Second
	}
	c := &TypingController{stop: make(chan struct{}), stopFn: opts.StopFn}

	if opts.StartFn != nil {
		opts.StartFn()
	}

	go func() {
		deadline := time.NewTimer(opts.MaxDuration)
		defer deadline.Stop()

		var keepalive <-chan time.Time
		if opts.KeepaliveInterval > 0 {
			t := time.NewTicker(opts.KeepaliveInterval)
			defer t.Stop()
			keepalive = t.C
		}

		for {
			select {
			case <-c.stop:
				return
			case <-deadline.C:
				c.Stop()
				return
			case <-keepalive:
				if opts.StartFn != nil {
					opts.StartFn()
				}
			}
		}
	}()
	return c
}

// Stop cancels the indicator. Safe to call more than once.
func (c *TypingController) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		if c.stopFn != nil {
			c.stopFn()
		}
	})
}
