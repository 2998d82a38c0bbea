package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kibitz/internal/ctxutil"
	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/service/games"
)

func (s *Server) registerTools() {
	// kibitz_start_session: create a game between two participants.
	s.mcpServer.AddTool(
		mcplib.NewTool("kibitz_start_session",
			mcplib.WithDescription(`Start a chess game between two participants.

Participants are named by roster entry ("first", "second") or given inline as
a JSON handle ("first_handle", "second_handle"), for example
{"name":"bot","transport":"http","address":"https://bot.example/move"}.

Auto sessions play to completion in the background. Manual sessions play one
ply per kibitz_advance_session call. Reusing a live session_id with the same
participants returns the existing session.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("session_id",
				mcplib.Description("Optional session identifier (1-128 of [A-Za-z0-9._-]). Generated when omitted."),
			),
			mcplib.WithString("first", mcplib.Description("Roster name of the first participant")),
			mcplib.WithString("second", mcplib.Description("Roster name of the second participant")),
			mcplib.WithString("first_handle", mcplib.Description("Inline JSON handle of the first participant")),
			mcplib.WithString("second_handle", mcplib.Description("Inline JSON handle of the second participant")),
			mcplib.WithString("initial_position", mcplib.Description("Optional FEN to start from")),
			mcplib.WithString("mode", mcplib.Description(`"auto" (default) or "manual"`)),
			mcplib.WithString("timeout_policy", mcplib.Description(`"forfeit" (default) or "default_move"`)),
			mcplib.WithNumber("move_timeout_ms",
				mcplib.Description("Per-request participant timeout in milliseconds"),
				mcplib.Min(0),
			),
			mcplib.WithNumber("retry_budget",
				mcplib.Description("Consecutive failures a participant may accumulate per ply"),
				mcplib.Min(1),
				mcplib.Max(20),
			),
		),
		s.handleStartSession,
	)

	// kibitz_advance_session: play one ply of a manual session.
	s.mcpServer.AddTool(
		mcplib.NewTool("kibitz_advance_session",
			mcplib.WithDescription("Play one ply of a manual session and return the new snapshot. On an auto session this resumes background play."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("session_id", mcplib.Description("Session identifier"), mcplib.Required()),
		),
		s.handleAdvanceSession,
	)

	// kibitz_cancel_session: stop a game without a result.
	s.mcpServer.AddTool(
		mcplib.NewTool("kibitz_cancel_session",
			mcplib.WithDescription("Cancel a session. It finishes as forfeited with no result. Cancelling a finished session returns its final snapshot."),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id", mcplib.Description("Session identifier"), mcplib.Required()),
		),
		s.handleCancelSession,
	)

	// kibitz_get_snapshot: read one session.
	s.mcpServer.AddTool(
		mcplib.NewTool("kibitz_get_snapshot",
			mcplib.WithDescription("Return the latest snapshot of a session, optionally with its full move history."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id", mcplib.Description("Session identifier"), mcplib.Required()),
			mcplib.WithString("include_moves", mcplib.Description(`"true" to include the move history`)),
		),
		s.handleGetSnapshot,
	)

	// kibitz_list_sessions: list live sessions.
	s.mcpServer.AddTool(
		mcplib.NewTool("kibitz_list_sessions",
			mcplib.WithDescription("List sessions held by the server, oldest first."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("status", mcplib.Description("Filter by status: active, terminated, forfeited, expired")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(1000),
				mcplib.DefaultNumber(20),
			),
			mcplib.WithNumber("offset", mcplib.Description("Results to skip"), mcplib.Min(0)),
		),
		s.handleListSessions,
	)
}

// requireOperator rejects callers below the operator role.
func requireOperator(ctx context.Context) *mcplib.CallToolResult {
	if !model.RoleAtLeast(ctxutil.RoleFromContext(ctx), model.RoleOperator) {
		return errorResult("forbidden: operator role required")
	}
	return nil
}

func participantRef(request mcplib.CallToolRequest, side string) (model.ParticipantRef, error) {
	ref := model.ParticipantRef{Roster: strings.TrimSpace(request.GetString(side, ""))}
	raw := strings.TrimSpace(request.GetString(side+"_handle", ""))
	if raw == "" {
		return ref, nil
	}
	var h model.ParticipantHandle
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return ref, fmt.Errorf("%s_handle is not a valid participant handle: %w", side, err)
	}
	ref.Handle = &h
	return ref, nil
}

func (s *Server) handleStartSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireOperator(ctx); denied != nil {
		return denied, nil
	}
	first, err := participantRef(request, "first")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	second, err := participantRef(request, "second")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	snap, created, err := s.games.Start(ctx, model.StartSessionRequest{
		SessionID:       request.GetString("session_id", ""),
		First:           first,
		Second:          second,
		InitialPosition: request.GetString("initial_position", ""),
		Mode:            request.GetString("mode", ""),
		TimeoutPolicy:   request.GetString("timeout_policy", ""),
		MoveTimeoutMS:   int64(request.GetInt("move_timeout_ms", 0)),
		RetryBudget:     request.GetInt("retry_budget", 0),
	})
	if err != nil {
		return serviceErrorResult(err, snap), nil
	}
	s.logger.Info("mcp: session started", "session_id", snap.SessionID, "created", created,
		"request_id", ctxutil.RequestIDFromContext(ctx))

	return jsonResult(map[string]any{
		"created":  created,
		"snapshot": snap,
	}), nil
}

func (s *Server) handleAdvanceSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireOperator(ctx); denied != nil {
		return denied, nil
	}
	id := request.GetString("session_id", "")
	if id == "" {
		return errorResult("session_id is required"), nil
	}
	snap, err := s.games.Advance(ctx, id)
	if err != nil {
		return serviceErrorResult(err, snap), nil
	}
	return jsonResult(snap), nil
}

func (s *Server) handleCancelSession(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if denied := requireOperator(ctx); denied != nil {
		return denied, nil
	}
	id := request.GetString("session_id", "")
	if id == "" {
		return errorResult("session_id is required"), nil
	}
	snap, err := s.games.Cancel(ctx, id)
	if err != nil {
		return serviceErrorResult(err, model.Snapshot{}), nil
	}
	return jsonResult(snap), nil
}

func (s *Server) handleGetSnapshot(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	id := request.GetString("session_id", "")
	if id == "" {
		return errorResult("session_id is required"), nil
	}
	snap, err := s.games.Snapshot(ctx, id)
	if err != nil {
		return serviceErrorResult(err, model.Snapshot{}), nil
	}
	if request.GetString("include_moves", "") != "true" {
		return jsonResult(snap), nil
	}
	moves, err := s.games.Transcript(ctx, id)
	if err != nil {
		return serviceErrorResult(err, model.Snapshot{}), nil
	}
	return jsonResult(map[string]any{
		"snapshot": snap,
		"moves":    moves,
	}), nil
}

func (s *Server) handleListSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	status := model.Status(request.GetString("status", ""))
	switch status {
	case "", model.StatusActive, model.StatusTerminated, model.StatusForfeited, model.StatusExpired:
	default:
		return errorResult(fmt.Sprintf("unknown status filter: %s", status)), nil
	}
	limit := request.GetInt("limit", 20)
	if limit < 1 {
		limit = 1
	}
	snaps, total := s.games.List(ctx, games.ListInput{
		Status: status,
		Limit:  limit,
		Offset: max(request.GetInt("offset", 0), 0),
	})
	return jsonResult(map[string]any{
		"sessions": snaps,
		"total":    total,
	}), nil
}
