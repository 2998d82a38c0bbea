// Package session is the registry of live game sessions keyed by session
// identifier.
package session

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashita-ai/kibitz/internal/game"
	"github.com/ashita-ai/kibitz/internal/model"
)

// TombstoneError is returned by GetOrCreate when the identifier belongs to a
// finished session that has already been evicted.
type TombstoneError struct {
	Snapshot model.Snapshot
}

func (e *TombstoneError) Error() string {
	return fmt.Sprintf("session %s already finished (%s)", e.Snapshot.SessionID, e.Snapshot.Status)
}

func (e *TombstoneError) Unwrap() error { return game.ErrSessionTerminal }

// Store holds at most one live *game.Session per identifier. Synchronization
// is per key: creating one session never blocks lookups of another.
type Store struct {
	entries sync.Map // id -> *entry
	count   atomic.Int64
	tombs   *Tombstones
	now     func() time.Time
}

type entry struct {
	once    sync.Once
	session atomic.Pointer[game.Session]
	err     error
}

// NewStore creates an empty store. Evicted sessions are remembered for
// tombstoneTTL.
func NewStore(tombstoneTTL time.Duration) *Store {
	return &Store{
		tombs: NewTombstones(tombstoneTTL),
		now:   time.Now,
	}
}

// GetOrCreate returns the live session for id, calling create only if none
// exists. Concurrent callers for the same id all receive the same session
// and create runs at most once among them. created reports whether this
// call created it.
func (st *Store) GetOrCreate(id string, create func() (*game.Session, error)) (s *game.Session, created bool, err error) {
	v, _ := st.entries.LoadOrStore(id, &entry{})
	e := v.(*entry)

	e.once.Do(func() {
		if rec, ok := st.tombs.Get(id); ok {
			e.err = &TombstoneError{Snapshot: rec.Snapshot}
			return
		}
		s, e.err = create()
		if e.err != nil {
			return
		}
		e.session.Store(s)
		st.count.Add(1)
		created = true
	})
	if e.err != nil {
		// Let a later call retry with a fresh entry.
		st.entries.CompareAndDelete(id, e)
		return nil, false, e.err
	}
	return e.session.Load(), created, nil
}

// Get returns the live session for id or game.ErrSessionNotFound.
func (st *Store) Get(id string) (*game.Session, error) {
	if v, ok := st.entries.Load(id); ok {
		if s := v.(*entry).session.Load(); s != nil {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", game.ErrSessionNotFound, id)
}

// Tombstone returns what remains of an evicted session.
func (st *Store) Tombstone(id string) (Record, bool) {
	return st.tombs.Get(id)
}

// Evict removes a finished session, leaving a tombstone. Active sessions are
// never evicted. It reports whether the session was removed.
func (st *Store) Evict(id string) bool {
	v, ok := st.entries.Load(id)
	if !ok {
		return false
	}
	e := v.(*entry)
	s := e.session.Load()
	if s == nil {
		return false
	}
	snap := s.Snapshot()
	if !snap.Status.Terminal() {
		return false
	}
	st.tombs.Set(Record{Snapshot: snap, Moves: s.Transcript()})
	if !st.entries.CompareAndDelete(id, e) {
		return false
	}
	st.count.Add(-1)
	return true
}

// SweepExpired evicts finished sessions whose last change is older than
// idle, and drops expired tombstones. It returns the evicted identifiers.
func (st *Store) SweepExpired(idle time.Duration) []string {
	cutoff := st.now().Add(-idle)
	var evicted []string
	st.entries.Range(func(k, v any) bool {
		s := v.(*entry).session.Load()
		if s == nil {
			return true
		}
		snap := s.Snapshot()
		if snap.Status.Terminal() && snap.UpdatedAt.Before(cutoff) && st.Evict(k.(string)) {
			evicted = append(evicted, k.(string))
		}
		return true
	})
	st.tombs.EvictExpired()
	return evicted
}

// List returns live sessions ordered by creation time, then identifier.
func (st *Store) List() []*game.Session {
	type item struct {
		s       *game.Session
		created time.Time
	}
	var items []item
	st.entries.Range(func(_, v any) bool {
		if s := v.(*entry).session.Load(); s != nil {
			items = append(items, item{s: s, created: s.Snapshot().CreatedAt})
		}
		return true
	})
	sort.Slice(items, func(i, j int) bool {
		if !items[i].created.Equal(items[j].created) {
			return items[i].created.Before(items[j].created)
		}
		return items[i].s.ID() < items[j].s.ID()
	})
	out := make([]*game.Session, len(items))
	for i, it := range items {
		out[i] = it.s
	}
	return out
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	return int(st.count.Load())
}
