// Package chessmcp is a small client for the chess MCP server that both the
// rules authority and engine-backed participants talk to. Tool results are
// JSON objects carried in the first text content block.
package chessmcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	mcptransport "github.com/mark3labs/mcp-go/client/transport"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// ErrToolFailed is returned when the server reports a tool-level error.
var ErrToolFailed = errors.New("chessmcp: tool failed")

// ErrMalformed is returned when a tool result cannot be decoded.
var ErrMalformed = errors.New("chessmcp: malformed result")

// Caller is the subset of the mcp-go client used by Client.
type Caller interface {
	CallTool(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error)
}

// DialFunc opens a new initialized MCP session.
type DialFunc func(ctx context.Context) (Caller, error)

// Client calls tools on one chess MCP server. The underlying session is
// opened lazily and reopened after a transport error.
type Client struct {
	dial  DialFunc
	fixed bool

	mu     sync.Mutex
	caller Caller
}

// New returns a client that uses dial to (re)connect.
func New(dial DialFunc) *Client {
	return &Client{dial: dial}
}

// NewWithCaller returns a client bound to an already-initialized session.
// Used with mcp-go in-process clients.
func NewWithCaller(caller Caller) *Client {
	return &Client{
		caller: caller,
		fixed:  true,
		dial: func(context.Context) (Caller, error) {
			return caller, nil
		},
	}
}

// HTTPDialer returns a DialFunc for a streamable-HTTP MCP endpoint.
func HTTPDialer(url, clientName, clientVersion string, headers map[string]string) DialFunc {
	return func(ctx context.Context) (Caller, error) {
		var opts []mcptransport.StreamableHTTPCOption
		if len(headers) > 0 {
			opts = append(opts, mcptransport.WithHTTPHeaders(headers))
		}
		c, err := mcpclient.NewStreamableHttpClient(url, opts...)
		if err != nil {
			return nil, fmt.Errorf("chessmcp: create client: %w", err)
		}
		if err := c.Start(ctx); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("chessmcp: start: %w", err)
		}
		_, err = c.Initialize(ctx, mcplib.InitializeRequest{
			Params: mcplib.InitializeParams{
				ProtocolVersion: mcplib.LATEST_PROTOCOL_VERSION,
				ClientInfo: mcplib.Implementation{
					Name:    clientName,
					Version: clientVersion,
				},
			},
		})
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("chessmcp: initialize: %w", err)
		}
		return c, nil
	}
}

// Call invokes tool with args and decodes the JSON result into out.
func (c *Client) Call(ctx context.Context, tool string, args map[string]any, out any) error {
	caller, err := c.session(ctx)
	if err != nil {
		return err
	}

	res, err := caller.CallTool(ctx, mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      tool,
			Arguments: args,
		},
	})
	if err != nil {
		c.reset(caller)
		return fmt.Errorf("chessmcp: call %s: %w", tool, err)
	}
	if res == nil {
		return fmt.Errorf("chessmcp: %s: empty result: %w", tool, ErrMalformed)
	}
	if res.IsError {
		return fmt.Errorf("chessmcp: %s: %s: %w", tool, resultText(res), ErrToolFailed)
	}

	raw := resultText(res)
	if raw == "" && res.StructuredContent != nil {
		b, err := json.Marshal(res.StructuredContent)
		if err != nil {
			return fmt.Errorf("chessmcp: %s: %w", tool, ErrMalformed)
		}
		raw = string(b)
	}
	if raw == "" {
		return fmt.Errorf("chessmcp: %s: no content: %w", tool, ErrMalformed)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("chessmcp: %s: decode %q: %w", tool, truncate(raw, 120), ErrMalformed)
	}
	return nil
}

// Close releases the current session, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if closer, ok := c.caller.(interface{ Close() error }); ok {
		c.caller = nil
		return closer.Close()
	}
	c.caller = nil
	return nil
}

func (c *Client) session(ctx context.Context) (Caller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caller != nil {
		return c.caller, nil
	}
	caller, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.caller = caller
	return caller, nil
}

// reset drops a session after a transport error so the next call redials.
func (c *Client) reset(failed Caller) {
	if c.fixed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.caller != failed {
		return
	}
	if closer, ok := failed.(interface{ Close() error }); ok {
		_ = closer.Close()
	}
	c.caller = nil
}

func resultText(res *mcplib.CallToolResult) string {
	for _, content := range res.Content {
		switch tc := content.(type) {
		case mcplib.TextContent:
			return tc.Text
		case *mcplib.TextContent:
			return tc.Text
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
