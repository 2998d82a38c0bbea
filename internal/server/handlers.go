package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/kibitz/internal/auth"
	"github.com/ashita-ai/kibitz/internal/ctxutil"
	"github.com/ashita-ai/kibitz/internal/game"
	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/service/games"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	games               *games.Service
	jwtMgr              *auth.JWTManager
	keys                *auth.Keyring
	openCircuits        func() int
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	rulesProvider       string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Keys, OpenCircuits, OpenAPISpec.
type HandlersDeps struct {
	Games               *games.Service
	JWTMgr              *auth.JWTManager
	Keys                *auth.Keyring
	OpenCircuits        func() int
	Logger              *slog.Logger
	Version             string
	RulesProvider       string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		games:               d.Games,
		jwtMgr:              d.JWTMgr,
		keys:                d.Keys,
		openCircuits:        d.OpenCircuits,
		logger:              logger,
		startedAt:           time.Now(),
		version:             d.Version,
		rulesProvider:       d.RulesProvider,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleAuthToken handles POST /auth/token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.keys.Empty() {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "authentication is disabled")
		return
	}
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	role, err := h.keys.Authenticate(req.APIKey)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidAPIKey) {
			h.logger.Error("api key verification failed", "error", err)
		}
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(role)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("token issued", "role", role, "request_id", ctxutil.RequestIDFromContext(r.Context()))

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Role:      role,
	})
}

// HandleHealth handles GET /health. A failing rules authority makes the
// service unhealthy; open participant circuits make it degraded.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	rulesStatus := "connected"
	httpStatus := http.StatusOK

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := h.games.Healthy(ctx); err != nil {
		rulesStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	open := 0
	if h.openCircuits != nil {
		open = h.openCircuits()
	}
	if open > 0 && status == "healthy" {
		status = "degraded"
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:        status,
		Version:       h.version,
		RulesProvider: h.rulesProvider,
		Rules:         rulesStatus,
		OpenCircuits:  open,
		LiveSessions:  h.games.LiveSessions(),
		Observers:     h.games.Observers(),
		Uptime:        int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeServiceError maps session control errors onto the error envelope.
// Errors that carry a session snapshot include it as details.
func (h *Handlers) writeServiceError(w http.ResponseWriter, r *http.Request, err error, snap *model.Snapshot) {
	var details any
	if snap != nil && snap.SessionID != "" {
		details = snap
	}
	switch {
	case errors.Is(err, games.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, game.ErrSessionNotFound):
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
	case errors.Is(err, games.ErrConflict), errors.Is(err, game.ErrSessionTerminal):
		writeErrorDetails(w, r, http.StatusConflict, model.ErrCodeConflict, err.Error(), details)
	case errors.Is(err, game.ErrRulesUnavailable),
		errors.Is(err, game.ErrParticipantTimeout),
		errors.Is(err, game.ErrParticipantUnreachable):
		writeErrorDetails(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable, err.Error(), details)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUpstreamUnavailable, "request cancelled before the ply completed")
	default:
		h.writeInternalError(w, r, "internal error", err)
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path, "request_id", ctxutil.RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = 1000

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a limit clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

// queryOffset returns a non-negative offset.
func queryOffset(r *http.Request) int {
	if offset := queryInt(r, "offset", 0); offset > 0 {
		return offset
	}
	return 0
}
