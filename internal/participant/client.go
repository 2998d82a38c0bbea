package participant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/telemetry"
)

// Config tunes a Client.
type Config struct {
	BreakerThreshold int           // consecutive failures before the circuit opens
	BreakerCooldown  time.Duration // how long an open circuit rejects calls
	// MoveInterval spaces consecutive calls to the same participant. Zero
	// disables pacing. Useful for rate-limited model APIs.
	MoveInterval time.Duration
}

// Client is the single entry point the coordinator uses to reach
// participants. It never retries: one RequestMove is at most one outbound call.
type Client struct {
	dialer   Dialer
	breakers *Breakers
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	adapters map[string]Participant
	limiters map[string]*rate.Limiter

	latency metric.Float64Histogram
	calls   metric.Int64Counter
}

// NewClient creates a Client. A nil logger falls back to slog.Default.
func NewClient(dialer Dialer, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		dialer:   dialer,
		breakers: NewBreakers(cfg.BreakerThreshold, cfg.BreakerCooldown),
		interval: cfg.MoveInterval,
		logger:   logger,
		adapters: make(map[string]Participant),
		limiters: make(map[string]*rate.Limiter),
	}
	c.breakers.OnStateChange(func(key string, from, to CircuitState) {
		switch to {
		case CircuitOpen:
			logger.Warn("participant circuit opened", "participant", key, "from", from)
		case CircuitClosed:
			logger.Info("participant circuit closed", "participant", key)
		}
	})

	meter := telemetry.Meter("kibitz/participant")
	c.latency, _ = meter.Float64Histogram("kibitz.participant.latency",
		metric.WithDescription("Participant move request latency"),
		metric.WithUnit("ms"),
	)
	c.calls, _ = meter.Int64Counter("kibitz.participant.calls",
		metric.WithDescription("Outbound participant calls by result"),
	)
	return c
}

// Breakers exposes the circuit registry for inspection.
func (c *Client) Breakers() *Breakers { return c.breakers }

// RequestMove asks the participant behind h for a move. The call is bounded
// by req.Deadline. While h's circuit is open the participant is not contacted.
func (c *Client) RequestMove(ctx context.Context, h model.ParticipantHandle, req Request) (string, error) {
	key := h.Key()
	if err := c.breakers.Allow(key); err != nil {
		c.record(ctx, key, "rejected", 0)
		return "", fmt.Errorf("%s: %w", key, err)
	}

	p, err := c.adapter(h)
	if err != nil {
		c.breakers.Failure(key)
		return "", err
	}

	callCtx := ctx
	if !req.Deadline.IsZero() {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithDeadline(ctx, req.Deadline)
		defer cancel()
	}

	if lim := c.limiter(key); lim != nil {
		if err := lim.Wait(callCtx); err != nil {
			// Pacing is our own constraint, not the participant's fault.
			c.breakers.Abort(key)
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", fmt.Errorf("%s: pacing: %w", key, ErrTimeout)
		}
	}

	start := time.Now()
	move, err := p.RequestMove(callCtx, req)
	elapsed := time.Since(start)
	if err == nil {
		move = strings.TrimSpace(move)
		if move == "" {
			err = ErrNoMove
		}
	}
	if err != nil {
		return "", c.fail(ctx, callCtx, key, err, elapsed)
	}

	c.breakers.Success(key)
	c.record(ctx, key, "ok", elapsed)
	return move, nil
}

// fail classifies a failed call and updates the circuit. Calls abandoned
// because the caller's context ended do not count against the participant.
func (c *Client) fail(ctx, callCtx context.Context, key string, err error, elapsed time.Duration) error {
	if ctx.Err() != nil {
		c.breakers.Abort(key)
		c.record(ctx, key, "abandoned", elapsed)
		return ctx.Err()
	}
	c.breakers.Failure(key)
	if callCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		c.record(ctx, key, "timeout", elapsed)
		return fmt.Errorf("%s: %w", key, ErrTimeout)
	}
	c.record(ctx, key, "error", elapsed)
	c.logger.Debug("participant call failed", "participant", key, "error", err)
	return fmt.Errorf("%s: %w", key, err)
}

func (c *Client) adapter(h model.ParticipantHandle) (Participant, error) {
	key := h.Key()
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.adapters[key]; ok {
		return p, nil
	}
	p, err := c.dialer.Dial(h)
	if err != nil {
		return nil, fmt.Errorf("participant: dial %s: %w", h.Key(), err)
	}
	c.adapters[key] = p
	return p, nil
}

// Close releases cached adapters that hold connections, such as MCP engine
// sessions. Later calls dial afresh.
func (c *Client) Close() error {
	c.mu.Lock()
	adapters := c.adapters
	c.adapters = make(map[string]Participant)
	c.mu.Unlock()

	var errs []error
	for key, p := range adapters {
		if closer, ok := p.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, fmt.Errorf("participant: close %s: %w", key, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (c *Client) limiter(key string) *rate.Limiter {
	if c.interval <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	lim, ok := c.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(c.interval), 1)
		c.limiters[key] = lim
	}
	return lim
}

func (c *Client) record(ctx context.Context, key, result string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("participant", key),
		attribute.String("result", result),
	)
	if c.calls != nil {
		c.calls.Add(ctx, 1, attrs)
	}
	if c.latency != nil && elapsed > 0 {
		c.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
}
