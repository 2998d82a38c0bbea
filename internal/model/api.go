package model

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// privateIPRanges is the set of CIDR blocks considered non-public.
// Populated once at package init; used by ValidateHandle.
var privateIPRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"127.0.0.0/8",
		"169.254.0.0/16", // link-local
		"::1/128",
		"fc00::/7",  // unique-local IPv6
		"fe80::/10", // link-local IPv6
	} {
		_, network, err := net.ParseCIDR(cidr)
		if err == nil {
			privateIPRanges = append(privateIPRanges, network)
		}
	}
}

// MaxSessionIDLen bounds externally supplied session identifiers.
const MaxSessionIDLen = 128

// ValidateSessionID checks that a session ID is 1-128 ASCII characters:
// alphanumeric, dots, hyphens and underscores.
func ValidateSessionID(id string) error {
	if len(id) == 0 {
		return fmt.Errorf("session_id is required")
	}
	if len(id) > MaxSessionIDLen {
		return fmt.Errorf("session_id must be at most %d characters", MaxSessionIDLen)
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if (c < 'a' || c > 'z') && (c < 'A' || c > 'Z') && (c < '0' || c > '9') &&
			c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("session_id contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateHandle checks a participant handle before it is bound to a session.
// Network transports need an http(s) address without embedded credentials.
// When allowPrivate is false, loopback and private addresses are rejected.
func ValidateHandle(h ParticipantHandle, allowPrivate bool) error {
	switch h.Transport {
	case TransportScripted:
		if len(h.Moves) == 0 {
			return fmt.Errorf("scripted participant %q has no moves", h.Name)
		}
		return nil
	case TransportHTTP, TransportA2A, TransportEngine:
	default:
		return fmt.Errorf("unknown participant transport %q", h.Transport)
	}

	u, err := url.Parse(h.Address)
	if err != nil {
		return fmt.Errorf("invalid participant address: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("participant address must use http or https scheme (got %q)", u.Scheme)
	}
	if u.User != nil {
		return fmt.Errorf("participant address must not include credentials")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("participant address must include a host")
	}
	if allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("participant address must not point to localhost")
	}
	if ip := net.ParseIP(host); ip != nil {
		for _, r := range privateIPRanges {
			if r.Contains(ip) {
				return fmt.Errorf("participant address must not point to a private or loopback address")
			}
		}
	}
	return nil
}

// APIResponse wraps all successful API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse wraps list responses.
type ListResponse struct {
	Data  any          `json:"data"`
	Total int          `json:"total"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError wraps all error responses.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes.
const (
	ErrCodeInvalidInput        = "INVALID_INPUT"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeForbidden           = "FORBIDDEN"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeRateLimited         = "RATE_LIMITED"
	ErrCodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
)

// ParticipantRef names a participant either by roster entry or inline handle.
type ParticipantRef struct {
	Roster string             `json:"roster,omitempty"`
	Handle *ParticipantHandle `json:"handle,omitempty"`
}

// Play modes.
const (
	ModeAuto   = "auto"
	ModeManual = "manual"
)

// Timeout policies applied when a participant exhausts its retry budget.
const (
	PolicyForfeit     = "forfeit"
	PolicyDefaultMove = "default_move"
)

// StartSessionRequest is the request body for POST /v1/sessions.
type StartSessionRequest struct {
	SessionID       string         `json:"session_id,omitempty"`
	First           ParticipantRef `json:"first"`
	Second          ParticipantRef `json:"second"`
	InitialPosition string         `json:"initial_position,omitempty"`
	Mode            string         `json:"mode,omitempty"`
	MoveTimeoutMS   int64          `json:"move_timeout_ms,omitempty"`
	RetryBudget     int            `json:"retry_budget,omitempty"`
	TimeoutPolicy   string         `json:"timeout_policy,omitempty"`
}

// Role key exchange.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      Role      `json:"role"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RulesProvider string `json:"rules_provider"`
	Rules         string `json:"rules"`
	OpenCircuits  int    `json:"open_circuits"`
	LiveSessions  int    `json:"live_sessions"`
	Observers     int    `json:"observers"`
	Uptime        int64  `json:"uptime_seconds"`
}
