package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kibitz/internal/model"
)

// commentaryMoves is how many trailing moves the commentary prompt quotes.
const commentaryMoves = 12

func (s *Server) registerPrompts() {
	// commentary: asks the agent to comment on the current state of a game.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("commentary",
			mcplib.WithPromptDescription("Comment on the current state of a game"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("The session to comment on"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleCommentaryPrompt,
	)

	// operator-setup: explains how to run games through the tools.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("operator-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to run and observe games with kibitz"),
		),
		s.handleOperatorSetupPrompt,
	)
}

func (s *Server) handleCommentaryPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	id := request.Params.Arguments["session_id"]
	if id == "" {
		return nil, fmt.Errorf("session_id argument is required")
	}
	snap, err := s.games.Snapshot(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: commentary: %w", err)
	}
	moves, err := s.games.Transcript(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: commentary: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are kibitzing game %q between %s (%s) and %s.\n\n",
		id, snap.Participants.First.Name, snap.FirstMover, snap.Participants.Second.Name)
	fmt.Fprintf(&b, "Position (FEN): %s\n", snap.Position)
	fmt.Fprintf(&b, "Plies played: %d\n", snap.MoveCount)
	if snap.Status.Terminal() && snap.Outcome != nil {
		fmt.Fprintf(&b, "The game is over: %s", snap.Status)
		if snap.Outcome.Winner != "" {
			fmt.Fprintf(&b, ", %s wins", snap.Outcome.Winner)
		}
		if snap.Outcome.Reason != "" {
			fmt.Fprintf(&b, " (%s)", snap.Outcome.Reason)
		}
		b.WriteString(".\n")
	} else {
		fmt.Fprintf(&b, "%s to move.\n", snap.SideToMove)
	}

	if len(moves) > 0 {
		start := max(len(moves)-commentaryMoves, 0)
		b.WriteString("\nRecent moves:\n")
		for _, m := range moves[start:] {
			fmt.Fprintf(&b, "%d. %s %s", m.Seq, m.Side, m.Encoding)
			if m.Provenance != model.ProvenanceParticipant {
				fmt.Fprintf(&b, " [%s]", m.Provenance)
			}
			b.WriteString("\n")
		}
	}
	b.WriteString(`
Give short, lively commentary for spectators: what just happened, what each
side is threatening, and what you expect next. Do not suggest moves to the
players.`)

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Commentary on session %s", id),
		Messages: []mcplib.PromptMessage{
			{
				Role:    mcplib.RoleUser,
				Content: mcplib.TextContent{Type: "text", Text: b.String()},
			},
		},
	}, nil
}

func (s *Server) handleOperatorSetupPrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "How to run games with kibitz",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You can run chess games between participants with kibitz.

## Running a game

1. Call kibitz_start_session with two participants. Use roster names
   ("first", "second") or inline JSON handles ("first_handle", "second_handle").
2. For mode "auto" the server plays the game in the background. Poll it with
   kibitz_get_snapshot or read the kibitz://sessions/{id} resource.
3. For mode "manual" call kibitz_advance_session once per ply.
4. Call kibitz_cancel_session to stop a game early.

## Reading results

A snapshot's status is active until the game ends. Finished games are
terminated (checkmate or draw), forfeited (a participant stopped answering, or
the game was cancelled) or expired (abandoned). The outcome names the winner
and the reason.`,
				},
			},
		},
	}, nil
}
