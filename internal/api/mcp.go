package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/seabone/internal/tools"
	"github.com/kalambet/seabone/internal/transcript"
)

// MCPSession is the session key used for send_message when none is given.
const MCPSession = "mcp"

// MCPNative is the native tool set served over MCP.
type MCPNative interface {
	Descriptors() []tools.Descriptor
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// MCPWorkspace reads workspace files for resources.
type MCPWorkspace interface {
	Read(name string) string
}

// MCPStatus renders the live runtime status.
type MCPStatus interface {
	LiveStatus() string
}

// MCPDeps holds dependencies for the MCP server. Only Native is required.
type MCPDeps struct {
	Native     MCPNative
	Workspace  MCPWorkspace
	Status     MCPStatus
	Dispatcher Dispatcher
	Version    string
}

// NewMCPServer creates an MCP server exposing the native tools, plus
// send_message when a dispatcher is available.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"seabone",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("seabone: long-term memory and orchestration runtime."),
		server.WithRecovery(),
	)

	for _, d := range deps.Native.Descriptors() {
		s.AddTool(
			mcp.NewToolWithRawSchema(d.Name, d.Description, d.Parameters),
			mcpNative(deps, d.Name),
		)
	}

	if deps.Dispatcher != nil {
		s.AddTool(
			mcp.NewTool("send_message",
				mcp.WithDescription("Send a message to a seabone session and return the reply."),
				mcp.WithString("text", mcp.Description("The message"), mcp.Required()),
				mcp.WithString("session", mcp.Description("Session key (default \"mcp\")")),
			),
			mcpSendMessage(deps),
		)
	}

	if deps.Workspace != nil {
		s.AddResource(
			mcp.NewResource(
				"seabone://memory",
				"Long-term Memory",
				mcp.WithResourceDescription("Contents of MEMORY.md"),
				mcp.WithMIMEType("text/markdown"),
			),
			mcpResourceFile(deps, "MEMORY.md"),
		)
	}
	if deps.Status != nil {
		s.AddResource(
			mcp.NewResource(
				"seabone://status",
				"Live Status",
				mcp.WithResourceDescription("Runtime status: sessions, tools and provider health"),
				mcp.WithMIMEType("text/markdown"),
			),
			mcpResourceStatus(deps),
		)
	}
	return s
}

func mcpNative(deps MCPDeps, name string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		out, err := deps.Native.Execute(ctx, name, req.GetArguments())
		if err != nil {
			return mcpError(err.Error()), nil
		}
		return mcpText(out), nil
	}
}

func mcpSendMessage(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcpError("text is required"), nil
		}
		key := req.GetString("session", MCPSession)

		reply, err := deps.Dispatcher.Deliver(ctx, key, text, nil)
		if errors.Is(err, transcript.ErrBusy) {
			return mcpError(fmt.Sprintf("session %q is busy", key)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("delivery failed: %v", err)), nil
		}
		return mcpText(reply), nil
	}
}

func mcpResourceFile(deps MCPDeps, name string) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/markdown",
				Text:     deps.Workspace.Read(name),
			},
		}, nil
	}
}

func mcpResourceStatus(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "text/markdown",
				Text:     deps.Status.LiveStatus(),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
