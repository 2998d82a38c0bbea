package participant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/kibitz/internal/model"
)

// HTTP calls a participant that accepts the plain JSON move request:
// POST {position, side_to_move, move_history, deadline_millis} -> {move}.
type HTTP struct {
	url        string
	httpClient *http.Client
}

// NewHTTP creates an HTTP participant. The per-call deadline comes from the
// request context, so httpClient should not carry a shorter timeout.
func NewHTTP(url string, httpClient *http.Client) *HTTP {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTP{url: url, httpClient: httpClient}
}

type httpMoveRequest struct {
	SessionID      string     `json:"session_id"`
	Position       string     `json:"position"`
	SideToMove     model.Side `json:"side_to_move"`
	MoveHistory    []string   `json:"move_history"`
	DeadlineMillis int64      `json:"deadline_millis"`
}

type httpMoveResponse struct {
	Move  string `json:"move"`
	Error string `json:"error,omitempty"`
}

func (p *HTTP) RequestMove(ctx context.Context, req Request) (string, error) {
	history := req.History
	if history == nil {
		history = []string{}
	}
	body, err := json.Marshal(httpMoveRequest{
		SessionID:      req.SessionID,
		Position:       req.Position,
		SideToMove:     req.SideToMove,
		MoveHistory:    history,
		DeadlineMillis: req.DeadlineMillis(time.Now()),
	})
	if err != nil {
		return "", fmt.Errorf("participant: http: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("participant: http: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("participant: http: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("participant: http: status %d: %s", resp.StatusCode, string(msg))
	}

	var out httpMoveResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&out); err != nil {
		return "", fmt.Errorf("participant: http: decode response: %w", err)
	}
	if out.Move == "" {
		if out.Error != "" {
			return "", fmt.Errorf("participant: http: %s: %w", out.Error, ErrNoMove)
		}
		return "", ErrNoMove
	}
	return out.Move, nil
}
