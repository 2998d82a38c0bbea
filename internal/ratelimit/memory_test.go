package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kibitz/internal/model"
)

func newLimiter(t *testing.T, rps float64, burst int) (*MemoryLimiter, *time.Time) {
	t.Helper()
	m := NewMemoryLimiter(rps, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, &now
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m, _ := newLimiter(t, 10, 3)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within burst", i)
	}
	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryLimiterRefill(t *testing.T) {
	m, now := newLimiter(t, 10, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "k1")
	require.True(t, ok)
	ok, _ = m.Allow(ctx, "k1")
	require.False(t, ok)

	*now = now.Add(100 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k1")
	assert.True(t, ok, "one token per 100ms at 10 rps")
}

func TestMemoryLimiterIndependentKeys(t *testing.T) {
	m, _ := newLimiter(t, 10, 1)
	ctx := context.Background()

	ok, _ := m.Allow(ctx, "a")
	assert.True(t, ok)
	ok, _ = m.Allow(ctx, "a")
	assert.False(t, ok)
	ok, _ = m.Allow(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryLimiterConcurrent(t *testing.T) {
	m, _ := newLimiter(t, 100, 50)
	ctx := context.Background()
	var allowed atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if ok, _ := m.Allow(ctx, "shared"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load(), "a frozen clock never refills")
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m, now := newLimiter(t, 10, 5)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "stale")
	*now = now.Add(5 * time.Minute)
	_, _ = m.Allow(ctx, "recent")

	*now = now.Add(6 * time.Minute)
	m.evictStale()
	assert.Equal(t, 1, m.Len())
	m.mu.Lock()
	_, exists := m.entries["recent"]
	m.mu.Unlock()
	assert.True(t, exists)
}

func TestMemoryLimiterCloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for i := 0; i < 100; i++ {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("store down") }
func (failingLimiter) Close() error                                 { return nil }

func TestMiddleware(t *testing.T) {
	m, _ := newLimiter(t, 1, 1)
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := Middleware(m, IPKeyFunc, func(*http.Request) string { return "req-9" }, nil)(ok)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.RemoteAddr = "203.0.113.7:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Contains(t, rec.Body.String(), model.ErrCodeRateLimited)
	assert.Contains(t, rec.Body.String(), "req-9")

	other := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	other.RemoteAddr = "203.0.113.8:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareFailsOpenAndSkipsEmptyKeys(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	rec := httptest.NewRecorder()
	Middleware(failingLimiter{}, IPKeyFunc, nil, nil)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	m, _ := newLimiter(t, 1, 1)
	skip := Middleware(m, func(*http.Request) string { return "" }, nil, nil)(ok)
	for i := 0; i < 3; i++ {
		rec = httptest.NewRecorder()
		skip.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}
