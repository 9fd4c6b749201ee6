// Package runtime abstracts the LLM backend as an asynchronous producer of
// messages. The executor drives a Stream obtained from a Runtime and never
// talks to a concrete backend directly.
package runtime

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// Message types observed on a runtime stream.
const (
	TypeSystem     = "system"
	TypeAssistant  = "assistant"
	TypeToolUse    = "tool_use"
	TypeToolResult = "tool_result"
	TypeResult     = "result"
)

// System message subtypes.
const (
	SubtypeInit            = "init"
	SubtypeCompactBoundary = "compact_boundary"
	SubtypeStatus          = "status"

	// Executor-synthesised subtypes written to the job output log.
	SubtypeHandoffDocument = "handoff_document"
	SubtypeContextHandoff  = "context_handoff"
)

// StatusCompacting is reported while the backend compacts its own context.
const StatusCompacting = "compacting"

// Usage carries token accounting from the backend.
type Usage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
}

// TotalInputTokens returns the cumulative context occupancy for the turn:
// fresh input plus cache writes and reads all count against the window.
func (u Usage) TotalInputTokens() int {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// CompactInfo accompanies a compact_boundary system message.
type CompactInfo struct {
	Trigger   string `json:"trigger,omitempty"`
	PreTokens int    `json:"pre_tokens"`
}

// Message is one event from the runtime stream.
type Message struct {
	Type          string          `json:"type"`
	Subtype       string          `json:"subtype,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Model         string          `json:"model,omitempty"`   // on init
	Status        string          `json:"status,omitempty"`  // on system status events
	Text          string          `json:"text,omitempty"`    // assistant text content
	ToolName      string          `json:"tool_name,omitempty"`
	Usage         *Usage          `json:"usage,omitempty"`
	Compact       *CompactInfo    `json:"compact_metadata,omitempty"`
	ContextWindow int             `json:"context_window,omitempty"` // on result, when the backend reports it
	Result        string          `json:"result,omitempty"`         // final result text
	IsError       bool            `json:"is_error,omitempty"`
	Raw           json.RawMessage `json:"-"`
}

// IsTerminal reports whether this message ends the stream.
func (m Message) IsTerminal() bool { return m.Type == TypeResult }

// Request describes one runtime execution.
type Request struct {
	Prompt           string
	Model            string
	SystemPrompt     config.SystemPromptSpec
	PermissionMode   config.PermissionMode
	AllowedTools     []string
	DeniedTools      []string
	MaxTurns         int
	WorkingDirectory string
	ResumeSessionID  string
	Env              map[string]string
	MCPServers       map[string]config.MCPServer
}

// Runtime produces message streams for requests. ContextKey is the backend
// discriminator persisted with session records: a stored session is only
// resumed against the same context key.
type Runtime interface {
	Name() string
	ContextKey() string
	Execute(ctx context.Context, req Request) (*Stream, error)
}

// Stream delivers messages until the run terminates. After the channel from
// Messages closes, Err reports how the stream ended (nil on clean EOF).
type Stream struct {
	msgs   chan Message
	cancel context.CancelFunc

	mu  sync.Mutex
	err error
}

// NewStream creates a stream with the given buffer. cancel (may be nil) is
// invoked by Close to abort the producer.
func NewStream(buffer int, cancel context.CancelFunc) *Stream {
	return &Stream{msgs: make(chan Message, buffer), cancel: cancel}
}

// Messages returns the receive side of the stream.
func (s *Stream) Messages() <-chan Message { return s.msgs }

// Err returns the terminal error. Only meaningful after Messages has closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close aborts the producer. Safe to call multiple times.
func (s *Stream) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// Send delivers a message unless ctx is done. Producer-side helper.
func (s *Stream) Send(ctx context.Context, msg Message) bool {
	select {
	case s.msgs <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// Finish records the terminal error and closes the channel. Producer-side.
func (s *Stream) Finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.msgs)
}
