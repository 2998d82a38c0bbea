package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kibitz/internal/chessmcp"
	"github.com/ashita-ai/kibitz/internal/rules"
)

// NewChessServer returns an MCP server that speaks the chess server's tool
// contract (enum-style termination names, "True" for a white win), backed by the in-process
// authority. get_stockfish_move answers with the first legal move.
func NewChessServer() *mcpserver.MCPServer {
	local := rules.NewLocal()
	s := mcpserver.NewMCPServer("chess-server", "test", mcpserver.WithToolCapabilities(false))

	s.AddTool(mcplib.NewTool("validate_move",
		mcplib.WithString("fen", mcplib.Required()),
		mcplib.WithString("move_uci", mcplib.Required()),
	), func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		move := req.GetString("move_uci", "")
		if !uciShaped(move) {
			return jsonResult(map[string]any{"valid": false, "error": "invalid uci: '" + move + "'"})
		}
		ok, err := local.Validate(ctx, req.GetString("fen", ""), move)
		if err != nil {
			return jsonResult(map[string]any{"valid": false, "error": "invalid fen: " + err.Error()})
		}
		return jsonResult(map[string]any{"valid": ok, "error": nil})
	})

	s.AddTool(mcplib.NewTool("make_move",
		mcplib.WithString("fen", mcplib.Required()),
		mcplib.WithString("move_uci", mcplib.Required()),
	), func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		fen := req.GetString("fen", "")
		move := req.GetString("move_uci", "")
		if !uciShaped(move) {
			return jsonResult(map[string]any{"success": false, "new_fen": nil, "error": "invalid uci: '" + move + "'"})
		}
		next, err := local.Apply(ctx, fen, move)
		if err != nil {
			return jsonResult(map[string]any{"success": false, "new_fen": fen, "error": "Invalid move"})
		}
		return jsonResult(map[string]any{"success": true, "new_fen": next, "error": nil})
	})

	s.AddTool(mcplib.NewTool("get_game_status",
		mcplib.WithString("fen", mcplib.Required()),
	), func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		st, err := local.Status(ctx, req.GetString("fen", ""))
		if err != nil {
			return jsonResult(map[string]any{"is_game_over": false, "current_turn": "unknown", "error": "invalid fen"})
		}
		out := map[string]any{
			"is_game_over": !st.Active,
			"winner":       nil,
			"termination":  nil,
			"is_check":     st.InCheck,
			"current_turn": string(st.Turn),
			"error":        nil,
		}
		if !st.Active {
			out["termination"] = "Termination." + terminationEnum(st.Reason)
			if st.Winner == "white" {
				out["winner"] = "True"
			}
		}
		return jsonResult(out)
	})

	s.AddTool(mcplib.NewTool("get_legal_moves",
		mcplib.WithString("fen", mcplib.Required()),
	), func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		moves, err := local.LegalMoves(ctx, req.GetString("fen", ""))
		if err != nil {
			return jsonResult(map[string]any{"success": false, "legal_moves": []string{}, "error": err.Error()})
		}
		return jsonResult(map[string]any{"success": true, "legal_moves": moves, "count": len(moves), "error": nil})
	})

	s.AddTool(mcplib.NewTool("get_stockfish_move",
		mcplib.WithString("fen", mcplib.Required()),
		mcplib.WithNumber("time_limit"),
	), func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		moves, err := local.LegalMoves(ctx, req.GetString("fen", ""))
		if err != nil || len(moves) == 0 {
			return jsonResult(map[string]any{"success": false, "move_uci": nil, "error": "no move"})
		}
		return jsonResult(map[string]any{"success": true, "move_uci": moves[0], "error": nil})
	})

	s.AddTool(mcplib.NewTool("health_check"), func(context.Context, mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		return jsonResult(map[string]any{"status": "healthy", "chess_engine": "available"})
	})

	return s
}

// NewChessClient connects an in-process MCP client to srv.
func NewChessClient(t *testing.T, srv *mcpserver.MCPServer) *chessmcp.Client {
	t.Helper()
	ctx := context.Background()

	c, err := mcpclient.NewInProcessClient(srv)
	if err != nil {
		t.Fatalf("testutil: in-process client: %v", err)
	}
	if err := c.Start(ctx); err != nil {
		t.Fatalf("testutil: start client: %v", err)
	}
	if _, err := c.Initialize(ctx, mcplib.InitializeRequest{
		Params: mcplib.InitializeParams{
			ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
			ClientInfo:      mcplib.Implementation{Name: "kibitz-test", Version: "0.0.0"},
		},
	}); err != nil {
		t.Fatalf("testutil: initialize: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return chessmcp.NewWithCaller(c)
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return mcplib.NewToolResultText(string(b)), nil
}

func terminationEnum(reason string) string {
	switch reason {
	case rules.ReasonSeventyFiveMoves:
		return "SEVENTYFIVE_MOVES"
	case rules.ReasonFiftyMoves:
		return "FIFTY_MOVES"
	}
	b := []byte(reason)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

// uciShaped reports whether move parses as UCI ("e2e4", "e7e8q").
func uciShaped(move string) bool {
	if len(move) != 4 && len(move) != 5 {
		return false
	}
	for i := 0; i < 4; i += 2 {
		if move[i] < 'a' || move[i] > 'h' || move[i+1] < '1' || move[i+1] > '8' {
			return false
		}
	}
	return len(move) == 4 || strings.ContainsRune("qrbn", rune(move[4]))
}
