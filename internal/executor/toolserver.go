package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/nextlevelbuilder/fleetd/internal/chat"
	"github.com/nextlevelbuilder/fleetd/internal/config"
)

// FileSender delivers a file back to the surface that triggered the job.
type FileSender func(ctx context.Context, ref chat.FileRef) error

// ToolServer is a per-job MCP server exposing tools bound to the job's live
// context. It listens on an ephemeral localhost port for the lifetime of the
// job and is injected into the runtime request as an extra MCP server.
type ToolServer struct {
	jobID      string
	agentName  string
	workingDir string
	send       FileSender
	log        *slog.Logger

	httpServer *http.Server
	port       int
}

// NewToolServer builds a tool server for one job. send may be nil when the
// triggering surface cannot receive files; the send_file tool then reports
// that to the model instead of failing the job.
func NewToolServer(jobID, agentName, workingDir string, send FileSender, log *slog.Logger) *ToolServer {
	return &ToolServer{
		jobID:      jobID,
		agentName:  agentName,
		workingDir: workingDir,
		send:       send,
		log:        log,
	}
}

// Start begins listening on an ephemeral localhost port.
func (t *ToolServer) Start() error {
	mcpServer := server.NewMCPServer("fleetd-job", "1.0.0", server.WithToolCapabilities(true))
	mcpServer.AddTool(
		mcp.NewTool("send_file",
			mcp.WithDescription("Send a file from the working directory to the user who triggered this job. Use for reports, diffs, logs, or any artifact too large or too structured for a chat message."),
			mcp.WithString("file_path",
				mcp.Required(),
				mcp.Description("Path to the file, absolute or relative to the working directory. Must stay inside the working directory."),
			),
			mcp.WithString("message",
				mcp.Description("Optional caption posted with the file"),
			),
			mcp.WithString("filename",
				mcp.Description("Optional display name; defaults to the file's base name"),
			),
		),
		t.handleSendFile,
	)

	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("tool server listen: %w", err)
	}
	t.port = listener.Addr().(*net.TCPAddr).Port
	t.httpServer = &http.Server{Handler: streamable}

	go func() {
		if err := t.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Error("toolserver.serve_failed", "job_id", t.jobID, "error", err)
		}
	}()
	t.log.Debug("toolserver.listening", "job_id", t.jobID, "port", t.port)
	return nil
}

// Stop shuts the server down.
func (t *ToolServer) Stop(ctx context.Context) error {
	if t.httpServer == nil {
		return nil
	}
	return t.httpServer.Shutdown(ctx)
}

// MCPServer returns the config entry the runtime request injects.
func (t *ToolServer) MCPServer() config.MCPServer {
	return config.MCPServer{URL: fmt.Sprintf("http://127.0.0.1:%d/mcp", t.port)}
}

func (t *ToolServer) handleSendFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := req.RequireString("file_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if t.send == nil {
		return mcp.NewToolResultError("this job was not triggered from a chat surface; there is nowhere to send the file"), nil
	}

	resolved, err := resolveWithinWorkdir(t.workingDir, path)
	if err != nil {
		t.log.Warn("toolserver.send_file_rejected", "job_id", t.jobID, "path", path, "error", err)
		return mcp.NewToolResultError(err.Error()), nil
	}

	filename := req.GetString("filename", filepath.Base(resolved))
	ref := chat.FileRef{
		Path:     resolved,
		Filename: filename,
		Caption:  req.GetString("message", ""),
	}
	if err := t.send(ctx, ref); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("file upload failed: %v", err)), nil
	}
	t.log.Info("toolserver.file_sent", "job_id", t.jobID, "agent", t.agentName, "file", filename)
	return mcp.NewToolResultText(fmt.Sprintf("sent %s", filename)), nil
}

// resolveWithinWorkdir canonicalises path relative to the working directory
// and rejects anything that escapes it, symlinks included.
func resolveWithinWorkdir(workingDir, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}

	root, err := filepath.EvalSymlinks(workingDir)
	if err != nil {
		return "", fmt.Errorf("resolve working directory: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("file does not exist: %s", path)
		}
		return "", fmt.Errorf("resolve path: %w", err)
	}

	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the working directory")
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("path is a directory, not a file")
	}
	return resolved, nil
}
