// Package hub fans session snapshots out to observers. Every subscriber owns
// a bounded queue; a full queue drops its oldest entry and flags the next
// delivery for resync, so publishing never blocks.
package hub

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kibitz/internal/model"
	"github.com/ashita-ai/kibitz/internal/telemetry"
)

// ErrClosed is returned by Next once a subscription has ended.
var ErrClosed = errors.New("hub: subscription closed")

// DefaultQueueSize is used when New is given a non-positive size.
const DefaultQueueSize = 16

// Hub routes snapshots by session identifier.
type Hub struct {
	topics    sync.Map // session id -> *topic
	queueSize int
	logger    *slog.Logger
	count     atomic.Int64

	dropped metric.Int64Counter
}

type topic struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	latest *model.Snapshot
}

// New creates a Hub whose subscribers buffer up to queueSize snapshots.
func New(queueSize int, logger *slog.Logger) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	h := &Hub{queueSize: queueSize, logger: logger}
	h.dropped, _ = telemetry.Meter("kibitz/hub").Int64Counter("kibitz.observer.dropped",
		metric.WithDescription("Snapshots dropped from full observer queues"),
	)
	return h
}

func (h *Hub) topic(sessionID string) *topic {
	v, _ := h.topics.LoadOrStore(sessionID, &topic{subs: make(map[string]*Subscription)})
	return v.(*topic)
}

// Subscribe registers an observer for sessionID. The subscription starts
// with current, or with a newer snapshot if one has been published since.
// A subscription seeded with a terminal snapshot ends after delivering it.
func (h *Hub) Subscribe(sessionID string, current model.Snapshot) *Subscription {
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		size:      h.queueSize,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		acked:     make(chan struct{}),
	}
	t := h.topic(sessionID)
	t.mu.Lock()
	defer t.mu.Unlock()

	seed := current
	if t.latest != nil && t.latest.Revision > seed.Revision {
		seed = *t.latest
	}
	if seed.Status.Terminal() {
		sub.offerFinal(seed)
	} else {
		sub.offer(seed)
	}
	t.subs[sub.ID] = sub
	h.count.Add(1)
	return sub
}

// CatchUp hands sub a snapshot read outside the publish path. Stale
// snapshots are ignored; a terminal one ends the stream once read.
func (h *Hub) CatchUp(sub *Subscription, snap model.Snapshot) {
	if snap.Status.Terminal() {
		sub.offerFinal(snap)
		return
	}
	sub.offer(snap)
}

// Unsubscribe removes sub and ends its stream. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if v, ok := h.topics.Load(sub.SessionID); ok {
		t := v.(*topic)
		t.mu.Lock()
		if _, ok := t.subs[sub.ID]; ok {
			delete(t.subs, sub.ID)
			h.count.Add(-1)
		}
		t.mu.Unlock()
	}
	sub.close()
}

// Publish offers snap to every subscriber of its session without blocking.
// Snapshots older than the last one published for the session are ignored.
func (h *Hub) Publish(snap model.Snapshot) {
	t := h.topic(snap.SessionID)
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.advance(snap) {
		return
	}
	for _, sub := range t.subs {
		if sub.offer(snap) {
			h.dropped.Add(context.Background(), 1)
		}
	}
}

// PublishFinal delivers the terminal snapshot to every subscriber, where it
// can never be dropped, then waits until each subscriber has consumed it or
// ctx ends. It returns the number of subscribers that consumed it.
func (h *Hub) PublishFinal(ctx context.Context, snap model.Snapshot) int {
	t := h.topic(snap.SessionID)
	t.mu.Lock()
	if !t.advance(snap) {
		t.mu.Unlock()
		return 0
	}
	subs := make([]*Subscription, 0, len(t.subs))
	for _, sub := range t.subs {
		sub.offerFinal(snap)
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	acked := 0
	for _, sub := range subs {
		select {
		case <-sub.acked:
			acked++
		case <-sub.done:
			if sub.consumedFinal() {
				acked++
			}
		case <-ctx.Done():
			h.logger.Warn("final snapshot not acknowledged",
				"session_id", snap.SessionID,
				"acked", acked,
				"subscribers", len(subs),
			)
			return acked
		}
	}
	return acked
}

// SubscriberCount returns the number of observers of sessionID.
func (h *Hub) SubscriberCount(sessionID string) int {
	v, ok := h.topics.Load(sessionID)
	if !ok {
		return 0
	}
	t := v.(*topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// Count returns the number of observers across all sessions.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

// Drop forgets sessionID and ends its remaining subscriptions. Snapshots
// already queued can still be read.
func (h *Hub) Drop(sessionID string) {
	v, ok := h.topics.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	t := v.(*topic)
	t.mu.Lock()
	subs := t.subs
	t.subs = make(map[string]*Subscription)
	t.mu.Unlock()
	for _, sub := range subs {
		h.count.Add(-1)
		sub.end()
	}
}

// Close ends every subscription.
func (h *Hub) Close() {
	h.topics.Range(func(k, _ any) bool {
		h.Drop(k.(string))
		return true
	})
}

// advance records snap as the latest for the topic. Caller holds t.mu.
func (t *topic) advance(snap model.Snapshot) bool {
	if t.latest != nil && snap.Revision <= t.latest.Revision {
		return false
	}
	t.latest = &snap
	return true
}

// Subscription is one observer's stream of snapshots for one session.
type Subscription struct {
	ID        string
	SessionID string

	size int

	mu       sync.Mutex
	queue    []model.Snapshot
	gap      bool
	lastRev  uint64 // highest revision enqueued
	final    bool
	finalRev uint64
	closed   bool

	notify  chan struct{}
	done    chan struct{}
	acked   chan struct{}
	ackOnce sync.Once
	dropped atomic.Int64
}

// offer enqueues snap, dropping the oldest entry when full. It reports
// whether something was dropped.
func (s *Subscription) offer(snap model.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.final || snap.Revision <= s.lastRev {
		return false
	}
	dropped := s.push(snap)
	s.signal()
	return dropped
}

func (s *Subscription) offerFinal(snap model.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.final || snap.Revision < s.lastRev {
		return
	}
	s.final = true
	s.finalRev = snap.Revision
	switch {
	case snap.Revision > s.lastRev:
		s.push(snap)
	case len(s.queue) == 0:
		// Already delivered.
		s.ackOnce.Do(func() { close(s.acked) })
		s.closeLocked()
	}
	s.signal()
}

// push appends snap. Caller holds s.mu.
func (s *Subscription) push(snap model.Snapshot) bool {
	dropped := false
	if len(s.queue) >= s.size {
		s.queue = s.queue[1:]
		s.gap = true
		s.dropped.Add(1)
		dropped = true
	}
	s.queue = append(s.queue, snap)
	s.lastRev = snap.Revision
	return dropped
}

func (s *Subscription) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// TryNext pops the next snapshot without waiting.
func (s *Subscription) TryNext() (model.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return model.Snapshot{}, false
	}
	snap := s.queue[0]
	s.queue = s.queue[1:]
	if s.gap {
		snap.ResyncRequired = true
		s.gap = false
	}
	if s.final && snap.Revision == s.finalRev {
		s.ackOnce.Do(func() { close(s.acked) })
		s.closeLocked()
	}
	return snap, true
}

// Next blocks until a snapshot is available, the subscription ends
// (ErrClosed) or ctx is done.
func (s *Subscription) Next(ctx context.Context) (model.Snapshot, error) {
	for {
		if snap, ok := s.TryNext(); ok {
			return snap, nil
		}
		select {
		case <-s.notify:
		case <-s.done:
			if snap, ok := s.TryNext(); ok {
				return snap, nil
			}
			return model.Snapshot{}, ErrClosed
		case <-ctx.Done():
			return model.Snapshot{}, ctx.Err()
		}
	}
}

// Ready is signalled whenever new snapshots are queued.
func (s *Subscription) Ready() <-chan struct{} { return s.notify }

// Done is closed when the subscription ends: after the final snapshot is
// consumed, on Unsubscribe or when the hub drops the session.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns how many snapshots this subscriber has lost to overflow.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

func (s *Subscription) consumedFinal() bool {
	select {
	case <-s.acked:
		return true
	default:
		return false
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = nil
	s.closeLocked()
}

func (s *Subscription) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
}

func (s *Subscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}
