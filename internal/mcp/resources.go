package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kibitz/internal/service/games"
)

const sessionURIPrefix = "kibitz://sessions/"

func (s *Server) registerResources() {
	// kibitz://sessions: every session the server holds.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"kibitz://sessions",
			"Sessions",
			mcplib.WithResourceDescription("Snapshots of every session held by the server"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleSessions,
	)

	// kibitz://sessions/{id}: one session with its move history.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"kibitz://sessions/{id}",
			"Session",
			mcplib.WithTemplateDescription("Latest snapshot and move history of one session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSession,
	)
}

func (s *Server) handleSessions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	snaps, total := s.games.List(ctx, games.ListInput{Limit: 100})
	data, err := json.MarshalIndent(map[string]any{
		"sessions": snaps,
		"total":    total,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal sessions: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      request.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// sessionIDFromURI extracts {id} from kibitz://sessions/{id}.
func sessionIDFromURI(uri string) (string, error) {
	id, ok := strings.CutPrefix(uri, sessionURIPrefix)
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", fmt.Errorf("mcp: invalid session URI: %s", uri)
	}
	return id, nil
}

func (s *Server) handleSession(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	id, err := sessionIDFromURI(uri)
	if err != nil {
		return nil, err
	}

	snap, err := s.games.Snapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: session %s: %w", id, err)
	}
	moves, err := s.games.Transcript(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: session %s moves: %w", id, err)
	}

	data, err := json.MarshalIndent(map[string]any{
		"snapshot": snap,
		"moves":    moves,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal session: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
