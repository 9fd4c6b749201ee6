package runtime

import (
	"context"
	"fmt"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

func init() {
	Register("in_process", func(settings config.FleetSettings) (Runtime, error) {
		keyEnv := settings.AnthropicKeyEnv
		if keyEnv == "" {
			keyEnv = "ANTHROPIC_API_KEY"
		}
		key, err := config.ResolveToken(keyEnv)
		if err != nil {
			return nil, fmt.Errorf("runtime in_process: %w", err)
		}
		client := sdk.NewClient(option.WithAPIKey(key))
		return NewInProcessRuntime(&client.Messages), nil
	})
}

// MessagesClient is the subset of the Anthropic SDK used by the in-process
// runtime; satisfied by *sdk.MessageService and by test fakes.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// InProcessRuntime calls the Messages API directly. It owns conversation
// history in memory keyed by session id; sessions therefore do not survive a
// process restart, which the session store's runtime-context validation
// detects and handles by starting fresh.
type InProcessRuntime struct {
	msg MessagesClient

	mu       sync.Mutex
	sessions map[string][]sdk.MessageParam
}

// NewInProcessRuntime builds the in-process runtime on a Messages client.
func NewInProcessRuntime(msg MessagesClient) *InProcessRuntime {
	return &InProcessRuntime{
		msg:      msg,
		sessions: make(map[string][]sdk.MessageParam),
	}
}

func (r *InProcessRuntime) Name() string { return "in_process" }

func (r *InProcessRuntime) ContextKey() string { return "in_process:anthropic" }

// Execute issues a single assistant turn. The stream emits init, assistant,
// and result messages in that order.
func (r *InProcessRuntime) Execute(ctx context.Context, req Request) (*Stream, error) {
	if req.Model == "" {
		return nil, fmt.Errorf("runtime in_process: model is required")
	}

	runCtx, cancel := context.WithCancel(ctx)
	stream := NewStream(8, cancel)

	sessionID := req.ResumeSessionID
	r.mu.Lock()
	history, known := r.sessions[sessionID]
	r.mu.Unlock()
	if sessionID == "" || !known {
		sessionID = uuid.NewString()
		history = nil
	}

	go func() {
		defer cancel()

		if !stream.Send(runCtx, Message{
			Type:      TypeSystem,
			Subtype:   SubtypeInit,
			SessionID: sessionID,
			Model:     req.Model,
		}) {
			stream.Finish(runCtx.Err())
			return
		}

		messages := append(append([]sdk.MessageParam(nil), history...),
			sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt)))

		params := sdk.MessageNewParams{
			MaxTokens: 8192,
			Model:     sdk.Model(req.Model),
			Messages:  messages,
		}
		if sp := req.SystemPrompt; sp.Text != "" || sp.Append != "" {
			var system []sdk.TextBlockParam
			if sp.Text != "" {
				system = append(system, sdk.TextBlockParam{Text: sp.Text})
			}
			if sp.Append != "" {
				system = append(system, sdk.TextBlockParam{Text: sp.Append})
			}
			params.System = system
		}

		resp, err := r.msg.New(runCtx, params)
		if err != nil {
			stream.Finish(fmt.Errorf("anthropic messages.new: %w", err))
			return
		}

		var text string
		for _, block := range resp.Content {
			if block.Type == "text" {
				text += block.Text
			}
		}

		usage := &Usage{
			InputTokens:              int(resp.Usage.InputTokens),
			OutputTokens:             int(resp.Usage.OutputTokens),
			CacheCreationInputTokens: int(resp.Usage.CacheCreationInputTokens),
			CacheReadInputTokens:     int(resp.Usage.CacheReadInputTokens),
		}

		if !stream.Send(runCtx, Message{
			Type:      TypeAssistant,
			SessionID: sessionID,
			Text:      text,
			Usage:     usage,
		}) {
			stream.Finish(runCtx.Err())
			return
		}

		r.mu.Lock()
		r.sessions[sessionID] = append(messages, sdk.NewAssistantMessage(sdk.NewTextBlock(text)))
		r.mu.Unlock()

		stream.Send(runCtx, Message{
			Type:          TypeResult,
			Subtype:       "success",
			SessionID:     sessionID,
			Result:        text,
			Usage:         usage,
			ContextWindow: ContextWindowForModel(req.Model),
		})
		stream.Finish(nil)
	}()

	return stream, nil
}
