package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// ShellRunner executes the hook command through the platform shell, piping the
// payload to stdin as JSON. Stdout is captured; on_session_start callers
// prepend it to the continuation prompt.
type ShellRunner struct{}

func (r *ShellRunner) Run(ctx context.Context, hook config.HookConfig, payload any) Result {
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("encode payload: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, hook.TimeoutDuration())
	defer cancel()

	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", hook.Command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", hook.Command)
	}
	cmd.Stdin = bytes.NewReader(data)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	res := Result{Output: stdout.String()}

	if exitErr, ok := runErr.(*exec.ExitError); ok {
		code := exitErr.ExitCode()
		res.ExitCode = &code
		res.Error = strings.TrimSpace(stderr.String())
		if res.Error == "" {
			res.Error = fmt.Sprintf("exit status %d", code)
		}
		return res
	}
	if runErr != nil {
		if ctx.Err() != nil {
			res.Error = "timed out"
		} else {
			res.Error = runErr.Error()
		}
		return res
	}

	zero := 0
	res.ExitCode = &zero
	res.Success = true
	return res
}

// HTTPRunner posts the payload as JSON to the hook URL.
type HTTPRunner struct {
	Client *http.Client
}

func (r *HTTPRunner) Run(ctx context.Context, hook config.HookConfig, payload any) Result {
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{Success: false, Error: fmt.Sprintf("encode payload: %v", err)}
	}

	ctx, cancel := context.WithTimeout(ctx, hook.TimeoutDuration())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")

	client := r.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Success: false, Error: fmt.Sprintf("webhook returned %d", resp.StatusCode)}
	}
	return Result{Success: true}
}

// ChatPostRunner posts a rendered notification to a named chat channel.
type ChatPostRunner struct {
	Poster ChatPoster
}

func (r *ChatPostRunner) Run(ctx context.Context, hook config.HookConfig, payload any) Result {
	if r.Poster == nil {
		return Result{Success: false, Error: "no chat poster configured"}
	}
	text := renderNotification(payload)
	if err := r.Poster.PostNotification(ctx, hook.Channel, text); err != nil {
		return Result{Success: false, Error: err.Error()}
	}
	return Result{Success: true}
}

// renderNotification turns the payload into a readable chat message.
func renderNotification(payload any) string {
	switch p := payload.(type) {
	case LifecyclePayload:
		var b strings.Builder
		fmt.Fprintf(&b, "**%s** job `%s` %s", p.Session.AgentName, p.Session.JobID, p.Event)
		if p.Summary != "" {
			fmt.Fprintf(&b, "\n%s", p.Summary)
		}
		if p.Error != "" {
			fmt.Fprintf(&b, "\nerror: %s", p.Error)
		}
		return b.String()
	case ContextThresholdPayload:
		return fmt.Sprintf("**%s** job `%s`: context at %.1f%% used, handing off",
			p.Session.AgentName, p.Session.JobID, p.Context.UsagePercent)
	case SessionStartPayload:
		if p.Session.IsContinuation {
			return fmt.Sprintf("**%s** job `%s`: continuation session started (handoff %d)",
				p.Session.AgentName, p.Session.JobID, p.Session.HandoffCount)
		}
		return fmt.Sprintf("**%s** job `%s`: session started", p.Session.AgentName, p.Session.JobID)
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Sprintf("%v", payload)
		}
		return string(data)
	}
}
