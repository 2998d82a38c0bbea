package session

import (
	"sync"
	"time"

	"github.com/ashita-ai/kibitz/internal/model"
)

// Record is what remains of an evicted session.
type Record struct {
	Snapshot model.Snapshot
	Moves    []model.Move
}

// Tombstones is a TTL cache of records for evicted sessions. It lets reads
// and cancels of a recently evicted session keep answering with its outcome,
// and stops its identifier from being reused while it lives.
type Tombstones struct {
	mu      sync.RWMutex
	entries map[string]tombstone
	ttl     time.Duration
	now     func() time.Time
}

type tombstone struct {
	rec       Record
	expiresAt time.Time
}

// NewTombstones creates a cache whose entries live for ttl.
func NewTombstones(ttl time.Duration) *Tombstones {
	return &Tombstones{
		entries: make(map[string]tombstone),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the record for id and true if a live entry exists.
func (t *Tombstones) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	entry, ok := t.entries[id]
	if !ok || t.now().After(entry.expiresAt) {
		return Record{}, false
	}
	return entry.rec, true
}

// Set stores rec as the tombstone for its session.
func (t *Tombstones) Set(rec Record) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[rec.Snapshot.SessionID] = tombstone{
		rec:       rec,
		expiresAt: t.now().Add(t.ttl),
	}
}

// Len returns the number of stored tombstones, expired or not.
func (t *Tombstones) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// EvictExpired removes expired tombstones and returns how many it removed.
func (t *Tombstones) EvictExpired() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for k, v := range t.entries {
		if now.After(v.expiresAt) {
			delete(t.entries, k)
			n++
		}
	}
	return n
}
