package participant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// A2A talks to an agent that speaks the Agent2Agent JSON-RPC protocol. The
// position is described in a text message; the move is read back out of the
// agent's reply text.
type A2A struct {
	baseURL    string
	httpClient *http.Client

	cardGroup singleflight.Group
	mu        sync.Mutex
	endpoint  string // resolved from the agent card; empty until fetched
	agentName string
}

// NewA2A creates an A2A participant rooted at baseURL.
func NewA2A(baseURL string, httpClient *http.Client) *A2A {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &A2A{baseURL: strings.TrimRight(baseURL, "/"), httpClient: httpClient}
}

type agentCard struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

type a2aPart struct {
	Kind string `json:"kind"`
	Text string `json:"text,omitempty"`
}

type a2aMessage struct {
	Role      string    `json:"role"`
	Kind      string    `json:"kind"`
	MessageID string    `json:"messageId"`
	Parts     []a2aPart `json:"parts"`
}

type a2aRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  struct {
		Message a2aMessage `json:"message"`
	} `json:"params"`
}

type a2aResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// a2aResult covers both reply shapes: a direct Message, or a Task with
// artifacts and a status message.
type a2aResult struct {
	Parts     []a2aPart `json:"parts"`
	Artifacts []struct {
		Parts []a2aPart `json:"parts"`
	} `json:"artifacts"`
	Status struct {
		Message *struct {
			Parts []a2aPart `json:"parts"`
		} `json:"message"`
	} `json:"status"`
}

func (p *A2A) RequestMove(ctx context.Context, req Request) (string, error) {
	endpoint := p.resolveEndpoint(ctx)

	var rpc a2aRequest
	rpc.JSONRPC = "2.0"
	rpc.ID = uuid.NewString()
	rpc.Method = "message/send"
	rpc.Params.Message = a2aMessage{
		Role:      "user",
		Kind:      "message",
		MessageID: uuid.NewString(),
		Parts:     []a2aPart{{Kind: "text", Text: prompt(req)}},
	}

	body, err := json.Marshal(rpc)
	if err != nil {
		return "", fmt.Errorf("participant: a2a: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("participant: a2a: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("participant: a2a: send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("participant: a2a: status %d: %s", resp.StatusCode, string(msg))
	}

	var out a2aResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 256*1024)).Decode(&out); err != nil {
		return "", fmt.Errorf("participant: a2a: decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("participant: a2a: rpc error %d: %s", out.Error.Code, out.Error.Message)
	}

	var result a2aResult
	if err := json.Unmarshal(out.Result, &result); err != nil {
		return "", fmt.Errorf("participant: a2a: decode result: %w", err)
	}
	return ExtractMove(result.text())
}

// AgentName returns the name advertised in the agent card, if fetched.
func (p *A2A) AgentName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.agentName
}

// resolveEndpoint returns the JSON-RPC endpoint advertised by the agent card,
// falling back to the base URL. Concurrent sessions share one card fetch.
func (p *A2A) resolveEndpoint(ctx context.Context) string {
	p.mu.Lock()
	endpoint := p.endpoint
	p.mu.Unlock()
	if endpoint != "" {
		return endpoint
	}

	v, _, _ := p.cardGroup.Do("card", func() (any, error) {
		card, err := p.fetchCard(ctx)
		if err != nil || card.URL == "" {
			return p.baseURL, nil
		}
		p.mu.Lock()
		p.endpoint = card.URL
		p.agentName = card.Name
		p.mu.Unlock()
		return card.URL, nil
	})
	return v.(string)
}

func (p *A2A) fetchCard(ctx context.Context) (agentCard, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/.well-known/agent-card.json", nil)
	if err != nil {
		return agentCard{}, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return agentCard{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return agentCard{}, fmt.Errorf("agent card: status %d", resp.StatusCode)
	}
	var card agentCard
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64*1024)).Decode(&card); err != nil {
		return agentCard{}, err
	}
	return card, nil
}

func (r a2aResult) text() string {
	var b strings.Builder
	add := func(parts []a2aPart) {
		for _, part := range parts {
			if part.Text != "" {
				b.WriteString(part.Text)
				b.WriteString("\n")
			}
		}
	}
	add(r.Parts)
	for _, a := range r.Artifacts {
		add(a.Parts)
	}
	if r.Status.Message != nil {
		add(r.Status.Message.Parts)
	}
	return b.String()
}

func prompt(req Request) string {
	history := "none"
	if len(req.History) > 0 {
		history = strings.Join(req.History, " ")
	}
	return fmt.Sprintf(
		"You are playing %s. Current position (FEN): %s\nMoves so far (UCI): %s\nReply with your move in UCI notation only, for example e2e4.",
		req.SideToMove, req.Position, history,
	)
}
