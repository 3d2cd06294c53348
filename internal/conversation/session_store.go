package conversation

import (
	"context"
	"sync"
	"time"

	"github.com/ceylonstays/concierge/pkg/logging"
)

// SessionStore owns every session and serializes access per sender. Two
// near-simultaneous messages from the same sender are processed strictly in
// turn; different senders never contend.
type SessionStore interface {
	// WithSession locks the sender's session (creating one if absent),
	// applies fn, and persists the result. Sessions left empty by fn are
	// destroyed.
	WithSession(ctx context.Context, senderID string, fn func(*Session) error) error
	// Sweep evicts sessions idle beyond TTL and returns how many it removed.
	Sweep(ctx context.Context) int
}

type sessionEntry struct {
	mu   sync.Mutex
	sess *Session
}

// MemorySessionStore keeps sessions in process memory with a per-key lock
// and TTL eviction (lazy on access plus the periodic sweep).
type MemorySessionStore struct {
	mu      sync.Mutex
	entries map[string]*sessionEntry
	ttl     time.Duration
	logger  *logging.Logger
	now     func() time.Time
}

// NewMemorySessionStore creates a store evicting sessions after ttl of
// inactivity.
func NewMemorySessionStore(ttl time.Duration, logger *logging.Logger) *MemorySessionStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &MemorySessionStore{
		entries: make(map[string]*sessionEntry),
		ttl:     ttl,
		logger:  logger,
		now:     time.Now,
	}
}

func (s *MemorySessionStore) entry(senderID string) *sessionEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[senderID]
	if !ok {
		e = &sessionEntry{}
		s.entries[senderID] = e
	}
	return e
}

// acquire returns the sender's live entry with its lock held. An entry can
// be removed from the map while a waiter is still queued on its mutex, so
// the map is re-checked after the lock is won; a superseded entry is
// released and the acquisition retried, otherwise two callbacks for the
// same sender could run on different entries at once.
func (s *MemorySessionStore) acquire(senderID string) *sessionEntry {
	for {
		e := s.entry(senderID)
		e.mu.Lock()
		s.mu.Lock()
		live := s.entries[senderID] == e
		s.mu.Unlock()
		if live {
			return e
		}
		e.mu.Unlock()
	}
}

// WithSession implements SessionStore.
func (s *MemorySessionStore) WithSession(ctx context.Context, senderID string, fn func(*Session) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	e := s.acquire(senderID)
	defer e.mu.Unlock()

	now := s.now()
	sess := e.sess
	switch {
	case sess == nil:
		sess = newSession(senderID, now)
	case sess.expired(s.ttl, now):
		// Lazy eviction: discard uncommitted slots, keep any unreported
		// backend outcome, and let the engine mention the restart.
		hadFlow := sess.State != StateIdle
		sess.reset()
		sess.WasExpired = hadFlow
		s.logger.Debug("session expired on access", "sender_id", senderID)
	}

	err := fn(sess)
	sess.WasExpired = false
	sess.LastActivityAt = s.now()

	if sess.empty() {
		s.remove(senderID, e)
		return err
	}
	// Removal requires the entry lock, so a live entry cannot be superseded
	// while fn runs; storing the session back is enough.
	e.sess = sess
	return err
}

func (s *MemorySessionStore) remove(senderID string, e *sessionEntry) {
	e.sess = nil
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entries[senderID] == e {
		delete(s.entries, senderID)
	}
}

// Sweep implements SessionStore. It takes each per-session lock, so eviction
// never races an in-flight transition.
func (s *MemorySessionStore) Sweep(ctx context.Context) int {
	s.mu.Lock()
	candidates := make(map[string]*sessionEntry, len(s.entries))
	for id, e := range s.entries {
		candidates[id] = e
	}
	s.mu.Unlock()

	evicted := 0
	for id, e := range candidates {
		select {
		case <-ctx.Done():
			return evicted
		default:
		}
		e.mu.Lock()
		if e.sess != nil && e.sess.expired(s.ttl, s.now()) {
			if e.sess.Outcome != nil {
				// Keep the compensation record; only drop uncommitted state.
				e.sess.reset()
			} else {
				s.remove(id, e)
				evicted++
			}
		}
		e.mu.Unlock()
	}
	if evicted > 0 {
		s.logger.Debug("session sweep evicted sessions", "count", evicted)
	}
	return evicted
}

// Len reports the number of live sessions (test helper).
func (s *MemorySessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RunSweeper periodically sweeps until ctx is done.
func RunSweeper(ctx context.Context, store SessionStore, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Sweep(ctx)
		}
	}
}
