// Package mcp implements the Model Context Protocol server for Darwin.
//
// The MCP surface is read-only: it lets MCP-compatible agents and operators
// inspect the pool, work items and evaluation cycles through tools and
// resources. Every mutation goes through the HTTP event API.
package mcp

import (
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/darwin/internal/service/lifecycle"
	"github.com/ashita-ai/darwin/internal/storage"
)

// Server wraps the MCP server with Darwin's registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	reg       storage.Registry
	policy    lifecycle.Policy
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts. policy is reported alongside capacity in the pool summary.
func New(reg storage.Registry, policy lifecycle.Policy, logger *slog.Logger, version string) *Server {
	s := &Server{
		reg:    reg,
		policy: policy,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"darwin",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}
