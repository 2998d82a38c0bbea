package kibitz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the kibitz server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is exchanged for a token at /auth/token. Leave empty when the
	// server runs without authentication.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used. Watch never applies a client timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the kibitz API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL  string
	client   *http.Client
	stream   *http.Client
	tokenMgr *tokenManager // nil when no API key is configured
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kibitz: BaseURL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("kibitz: invalid BaseURL: %w", err)
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	stream := *httpClient
	stream.Timeout = 0

	c := &Client{
		baseURL: baseURL,
		client:  httpClient,
		stream:  &stream,
	}
	if cfg.APIKey != "" {
		c.tokenMgr = newTokenManager(baseURL, cfg.APIKey, httpClient)
	}
	return c, nil
}

// StartSession creates a session. A session ID is generated when the
// request has none, so retrying the same request is idempotent. created is
// false when the server returned an existing session with the same
// participants.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (snap *Snapshot, created bool, err error) {
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	var out Snapshot
	status, err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &out, nil)
	if err != nil {
		return nil, false, err
	}
	return &out, status == http.StatusCreated, nil
}

// GetSession returns the latest snapshot of a session.
func (c *Client) GetSession(ctx context.Context, id string) (*Snapshot, error) {
	var out Snapshot
	if _, err := c.do(ctx, http.MethodGet, sessionPath(id, ""), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// Moves returns the move transcript of a session in play order.
func (c *Client) Moves(ctx context.Context, id string) ([]Move, error) {
	var out []Move
	if _, err := c.do(ctx, http.MethodGet, sessionPath(id, "/moves"), nil, &out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// AdvanceSession plays one ply of a manual session.
func (c *Client) AdvanceSession(ctx context.Context, id string) (*Snapshot, error) {
	return c.transition(ctx, id, "/advance")
}

// ResumeSession restarts a parked automatic session. Manual sessions are
// rejected with a 400.
func (c *Client) ResumeSession(ctx context.Context, id string) (*Snapshot, error) {
	return c.transition(ctx, id, "/resume")
}

// CancelSession forfeits a session. Cancelling a finished session returns
// its final snapshot.
func (c *Client) CancelSession(ctx context.Context, id string) (*Snapshot, error) {
	return c.transition(ctx, id, "/cancel")
}

func (c *Client) transition(ctx context.Context, id, action string) (*Snapshot, error) {
	var out Snapshot
	if _, err := c.do(ctx, http.MethodPost, sessionPath(id, action), nil, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSessions returns one page of sessions, newest first.
func (c *Client) ListSessions(ctx context.Context, opts *ListOptions) (*SessionList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}
	path := "/v1/sessions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}
	var out SessionList
	var total int
	if _, err := c.do(ctx, http.MethodGet, path, nil, &out.Sessions, &total); err != nil {
		return nil, err
	}
	out.Total = total
	return &out, nil
}

// Health returns the server's health report. It needs no credentials and
// returns the report with a nil error whatever the reported status.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kibitz: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kibitz: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out Health
	if err := handleResponse(resp, &out, nil); err != nil {
		return nil, err
	}
	return &out, nil
}

func sessionPath(id, suffix string) string {
	return "/v1/sessions/" + url.PathEscape(id) + suffix
}

// do sends an authenticated request and decodes the data envelope into
// dest. A 401 is retried once with a fresh token.
func (c *Client) do(ctx context.Context, method, path string, body, dest any, total *int) (int, error) {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return 0, fmt.Errorf("kibitz: marshal request body: %w", err)
		}
	}

	for attempt := 0; ; attempt++ {
		req, err := c.newRequest(ctx, method, path, encoded)
		if err != nil {
			return 0, err
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("kibitz: %s %s: %w", method, req.URL.Path, err)
		}
		if resp.StatusCode == http.StatusUnauthorized && c.tokenMgr != nil && attempt == 0 {
			_ = resp.Body.Close()
			c.tokenMgr.invalidate()
			continue
		}
		err = handleResponse(resp, dest, total)
		_ = resp.Body.Close()
		return resp.StatusCode, err
	}
}

func (c *Client) newRequest(ctx context.Context, method, path string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("kibitz: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.tokenMgr != nil {
		token, err := c.tokenMgr.getToken(ctx)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

type apiEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

func handleResponse(resp *http.Response, dest any, total *int) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kibitz: read response body: %w", err)
	}
	// 503 on /health still carries a report.
	if resp.StatusCode >= 400 && !(resp.StatusCode == http.StatusServiceUnavailable && isHealth(resp)) {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if dest == nil {
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kibitz: decode response envelope: %w", err)
	}
	if total != nil {
		*total = envelope.Total
	}
	if len(envelope.Data) == 0 {
		return fmt.Errorf("kibitz: response has no data")
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("kibitz: decode response data: %w", err)
	}
	return nil
}

func isHealth(resp *http.Response) bool {
	return resp.Request != nil && resp.Request.URL.Path == "/health"
}
