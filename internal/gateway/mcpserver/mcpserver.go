// Package mcpserver exposes the workspace engine as an MCP (Model
// Context Protocol) server over stdio. Each tool maps to one engine
// operation so an MCP-speaking client can drive sandboxes directly.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/ngome/internal/engine"
)

// Server wraps the MCP stdio server around the engine.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger
	mcp    *server.MCPServer
}

// NewServer creates the MCP server and registers the sandbox tools.
func NewServer(eng *engine.Engine, logger *slog.Logger) *Server {
	s := &Server{
		engine: eng,
		logger: logger,
		mcp: server.NewMCPServer(
			"ngome",
			"0.1.0",
			server.WithToolCapabilities(false),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio runs the server on stdin/stdout until the client hangs up.
func (s *Server) ServeStdio() error {
	s.logger.Info("mcp server starting on stdio")
	return server.ServeStdio(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("sandbox_write_file",
		mcp.WithDescription("Write a file into a workspace sandbox. Paths are sandbox-relative."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace identifier")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Sandbox-relative file path")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
	), s.handleWriteFile)

	s.mcp.AddTool(mcp.NewTool("sandbox_read_file",
		mcp.WithDescription("Read a file from a workspace sandbox."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace identifier")),
		mcp.WithString("path", mcp.Required(), mcp.Description("Sandbox-relative file path")),
	), s.handleReadFile)

	s.mcp.AddTool(mcp.NewTool("sandbox_list_files",
		mcp.WithDescription("List a directory inside a workspace sandbox."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace identifier")),
		mcp.WithString("path", mcp.Description("Sandbox-relative directory; empty lists the root")),
	), s.handleListFiles)

	s.mcp.AddTool(mcp.NewTool("sandbox_exec",
		mcp.WithDescription("Execute a shell command inside a workspace sandbox and return stdout, stderr and the exit code."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace identifier")),
		mcp.WithString("command", mcp.Required(), mcp.Description("Shell command to run")),
		mcp.WithString("backend", mcp.Description("Execution backend: native, container or wasm")),
		mcp.WithNumber("timeout_seconds", mcp.Description("Execution timeout in seconds")),
	), s.handleExec)

	s.mcp.AddTool(mcp.NewTool("sandbox_sync",
		mcp.WithDescription("Snapshot a workspace sandbox into the content store and return the manifest ID."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace identifier")),
	), s.handleSync)

	s.mcp.AddTool(mcp.NewTool("sandbox_restore",
		mcp.WithDescription("Restore a workspace sandbox from a previously synced manifest."),
		mcp.WithString("workspace_id", mcp.Required(), mcp.Description("Workspace identifier")),
		mcp.WithString("manifest_id", mcp.Required(), mcp.Description("Manifest content ID returned by sandbox_sync")),
	), s.handleRestore)
}

func (s *Server) handleWriteFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := req.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.engine.WriteFile(ctx, workspaceID, path, []byte(content)); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

func (s *Server) handleReadFile(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := s.engine.ReadFile(ctx, workspaceID, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleListFiles(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path := req.GetString("path", "")

	entries, err := s.engine.ListFiles(ctx, workspaceID, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleExec(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	command, err := req.RequireString("command")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := engine.ExecOptions{
		Backend: req.GetString("backend", ""),
	}
	if secs := req.GetFloat("timeout_seconds", 0); secs > 0 {
		opts.Timeout = time.Duration(secs * float64(time.Second))
	}

	res, err := s.engine.Execute(ctx, workspaceID, command, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) handleSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := s.engine.Sync(ctx, workspaceID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"synced %d files (%d bytes), manifest %s",
		report.FileCount, report.TotalBytes, report.ManifestID,
	)), nil
}

func (s *Server) handleRestore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workspaceID, err := req.RequireString("workspace_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	manifestID, err := req.RequireString("manifest_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	restored, err := s.engine.Restore(ctx, workspaceID, manifestID)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("restored %d files from manifest %s", restored, manifestID)), nil
}
