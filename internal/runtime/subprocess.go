package runtime

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

func init() {
	Register("subprocess", func(settings config.FleetSettings) (Runtime, error) {
		binary := settings.ClaudeBinary
		if binary == "" {
			binary = "claude"
		}
		return &SubprocessRuntime{binary: binary}, nil
	})
}

// SubprocessRuntime runs each request as a one-shot CLI invocation with
// stream-json output and parses the NDJSON event stream.
type SubprocessRuntime struct {
	binary string
}

func (r *SubprocessRuntime) Name() string { return "subprocess" }

// ContextKey discriminates stored sessions: a session created by the CLI
// backend cannot be resumed by the in-process backend and vice versa.
func (r *SubprocessRuntime) ContextKey() string { return "subprocess:" + r.binary }

// Execute spawns the CLI and returns a stream of parsed events. The stream
// terminates when the process exits or ctx is cancelled.
func (r *SubprocessRuntime) Execute(ctx context.Context, req Request) (*Stream, error) {
	procCtx, cancel := context.WithCancel(ctx)

	args := r.buildArgs(req)
	cmd := exec.CommandContext(procCtx, r.binary, args...)
	cmd.Dir = req.WorkingDirectory
	cmd.Env = mergedEnv(req.Env)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("runtime: stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("runtime: start %s: %w", r.binary, err)
	}

	stream := NewStream(64, cancel)

	go func() {
		scanner := bufio.NewScanner(stdout)
		// Assistant turns with large tool results can exceed the default
		// 64KB line limit.
		scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			msg, ok := parseStreamLine(line)
			if !ok {
				slog.Debug("runtime: unparseable stream line", "len", len(line))
				continue
			}
			if !stream.Send(procCtx, msg) {
				break
			}
		}

		waitErr := cmd.Wait()
		if procCtx.Err() != nil {
			stream.Finish(procCtx.Err())
			return
		}
		if scanErr := scanner.Err(); scanErr != nil && waitErr == nil {
			waitErr = scanErr
		}
		stream.Finish(waitErr)
	}()

	return stream, nil
}

func (r *SubprocessRuntime) buildArgs(req Request) []string {
	args := []string{
		"-p",
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	}
	if sp := req.SystemPrompt; !sp.IsZero() {
		if sp.Text != "" {
			args = append(args, "--system-prompt", sp.Text)
		}
		if sp.Append != "" {
			args = append(args, "--append-system-prompt", sp.Append)
		}
	}
	if mode := cliPermissionMode(req.PermissionMode); mode != "" {
		args = append(args, "--permission-mode", mode)
	}
	if len(req.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(req.AllowedTools, ","))
	}
	if len(req.DeniedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(req.DeniedTools, ","))
	}
	if req.MaxTurns > 0 {
		args = append(args, "--max-turns", fmt.Sprintf("%d", req.MaxTurns))
	}
	if len(req.MCPServers) > 0 {
		if cfg, err := json.Marshal(map[string]any{"mcpServers": req.MCPServers}); err == nil {
			args = append(args, "--mcp-config", string(cfg))
		}
	}
	args = append(args, req.Prompt)
	return args
}

func cliPermissionMode(mode config.PermissionMode) string {
	switch mode {
	case config.PermissionAcceptEdits:
		return "acceptEdits"
	case config.PermissionBypass:
		return "bypassPermissions"
	case config.PermissionPlan:
		return "plan"
	case config.PermissionDelegate:
		return "delegate"
	case config.PermissionDontAsk:
		return "dontAsk"
	case config.PermissionDefault:
		return "default"
	}
	return ""
}

func mergedEnv(extra map[string]string) []string {
	env := os.Environ()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// rawEvent mirrors one NDJSON line of stream-json output.
type rawEvent struct {
	Type            string                   `json:"type"`
	Subtype         string                   `json:"subtype"`
	SessionID       string                   `json:"session_id"`
	Model           string                   `json:"model"`
	Status          string                   `json:"status"`
	Message         json.RawMessage          `json:"message"`
	Result          string                   `json:"result"`
	IsError         bool                     `json:"is_error"`
	Usage           *Usage                   `json:"usage"`
	CompactMetadata *CompactInfo             `json:"compact_metadata"`
	ModelUsage      map[string]rawModelUsage `json:"modelUsage"`
}

type rawModelUsage struct {
	ContextWindow int `json:"contextWindow"`
}

type rawAssistantMessage struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
		Name string `json:"name"`
	} `json:"content"`
	Usage *Usage `json:"usage"`
}

// parseStreamLine maps one NDJSON line into a runtime Message.
func parseStreamLine(line []byte) (Message, bool) {
	var ev rawEvent
	if err := json.Unmarshal(line, &ev); err != nil {
		return Message{}, false
	}

	msg := Message{
		Type:      ev.Type,
		Subtype:   ev.Subtype,
		SessionID: ev.SessionID,
		Raw:       append(json.RawMessage(nil), line...),
	}

	switch ev.Type {
	case TypeSystem:
		msg.Model = ev.Model
		msg.Status = ev.Status
		msg.Compact = ev.CompactMetadata
	case TypeAssistant:
		var inner rawAssistantMessage
		if err := json.Unmarshal(ev.Message, &inner); err != nil {
			return Message{}, false
		}
		var text strings.Builder
		for _, block := range inner.Content {
			switch block.Type {
			case "text":
				text.WriteString(block.Text)
			case "tool_use":
				msg.ToolName = block.Name
			}
		}
		msg.Text = text.String()
		msg.Usage = inner.Usage
	case TypeResult:
		msg.Result = ev.Result
		msg.IsError = ev.IsError
		msg.Usage = ev.Usage
		for _, mu := range ev.ModelUsage {
			if mu.ContextWindow > 0 {
				msg.ContextWindow = mu.ContextWindow
			}
		}
	case TypeToolUse, TypeToolResult:
		// passed through for job output logging
	case "":
		return Message{}, false
	}

	return msg, true
}
