// Package mcp implements the Model Context Protocol server for kibitz.
//
// The MCP server exposes the session control surface of the HTTP API as MCP
// tools, a session resource and commentary prompts, so MCP-compatible agents
// can start, drive and watch games.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kibitz/internal/game"
	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/service/games"
)

// Server wraps the MCP server with the games service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	games     *games.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(svc *games.Service, logger *slog.Logger, version string) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		games:  svc,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kibitz",
		version,
		mcpserver.WithResourceCapabilities(false, true),
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

// serviceErrorResult renders a games error. Conflicts on finished sessions
// carry the final snapshot.
func serviceErrorResult(err error, snap model.Snapshot) *mcplib.CallToolResult {
	msg := err.Error()
	switch {
	case errors.Is(err, games.ErrInvalidInput):
		msg = "invalid input: " + msg
	case errors.Is(err, game.ErrSessionNotFound):
		msg = "not found: " + msg
	case errors.Is(err, game.ErrRulesUnavailable),
		errors.Is(err, game.ErrParticipantTimeout),
		errors.Is(err, game.ErrParticipantUnreachable):
		msg = "upstream unavailable: " + msg
	}
	if snap.SessionID != "" {
		if data, mErr := json.Marshal(snap); mErr == nil {
			msg = fmt.Sprintf("%s\nsnapshot: %s", msg, data)
		}
	}
	return errorResult(msg)
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("failed to encode result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
