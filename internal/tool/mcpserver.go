package tool

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer exposes the sandbox's four built-in tools as an MCP tool
// server, so external MCP clients can drive them under the same caps
// (config-gated optional surface, spec D.1).
func NewMCPServer(sb *Sandbox) *server.MCPServer {
	s := server.NewMCPServer(
		"palletd-tools",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithInstructions("palletd built-in tool sandbox: read_file, write_file, list_dir, run_cmd."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("read_file",
			mcp.WithDescription("Read a file's contents relative to the work root."),
			mcp.WithString("path", mcp.Description("Path relative to the work root"), mcp.Required()),
		),
		mcpReadFile(sb),
	)
	s.AddTool(
		mcp.NewTool("write_file",
			mcp.WithDescription("Write a file's contents relative to the work root, creating parent directories."),
			mcp.WithString("path", mcp.Description("Path relative to the work root"), mcp.Required()),
			mcp.WithString("content", mcp.Description("Content to write"), mcp.Required()),
		),
		mcpWriteFile(sb),
	)
	s.AddTool(
		mcp.NewTool("list_dir",
			mcp.WithDescription("List a directory's entries relative to the work root."),
			mcp.WithString("path", mcp.Description("Path relative to the work root"), mcp.Required()),
		),
		mcpListDir(sb),
	)
	s.AddTool(
		mcp.NewTool("run_cmd",
			mcp.WithDescription("Run a shell command under a wall-clock timeout."),
			mcp.WithString("command", mcp.Description("Command to run"), mcp.Required()),
		),
		mcpRunCmd(sb),
	)

	return s
}

func mcpReadFile(sb *Sandbox) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpErr("path is required"), nil
		}
		res, err := sb.ReadFile(ctx, path)
		if err != nil {
			return mcpErr(err.Error()), nil
		}
		return mcpText(res.Text), nil
	}
}

func mcpWriteFile(sb *Sandbox) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpErr("path is required"), nil
		}
		content, err := req.RequireString("content")
		if err != nil {
			return mcpErr("content is required"), nil
		}
		res, err := sb.WriteFile(ctx, path, content)
		if err != nil {
			return mcpErr(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("wrote %s bytes", res.Text)), nil
	}
}

func mcpListDir(sb *Sandbox) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := req.RequireString("path")
		if err != nil {
			return mcpErr("path is required"), nil
		}
		res, err := sb.ListDir(ctx, path)
		if err != nil {
			return mcpErr(err.Error()), nil
		}
		text := ""
		for _, e := range res.Entries {
			text += fmt.Sprintf("%s\t%s\t%d\n", e.Kind, e.Name, e.Size)
		}
		return mcpText(text), nil
	}
}

func mcpRunCmd(sb *Sandbox) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		command, err := req.RequireString("command")
		if err != nil {
			return mcpErr("command is required"), nil
		}
		res, err := sb.RunCmd(ctx, command)
		if err != nil {
			return mcpErr(err.Error()), nil
		}
		return mcpText(fmt.Sprintf("exit=%d\nstdout:\n%s\nstderr:\n%s", res.ExitCode, res.Stdout, res.Stderr)), nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}}}
}

func mcpErr(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: msg}}, IsError: true}
}
