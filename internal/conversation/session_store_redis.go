package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ceylonstays/concierge/pkg/logging"
)

const sessionKeyPrefix = "session:"

// RedisSessionStore persists sessions in Redis with the session TTL applied
// as key expiry, so eviction needs no sweep. Per-sender serialization is a
// local mutex: inbound traffic for a sender is pinned to one process by the
// webhook, so a process-level lock is sufficient.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *logging.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewRedisSessionStore creates a Redis-backed session store.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisSessionStore {
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisSessionStore{
		client: client,
		ttl:    ttl,
		logger: logger,
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *RedisSessionStore) lock(senderID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[senderID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[senderID] = l
	}
	return l
}

// acquire returns the sender's lock, held. Sweep prunes idle lock entries,
// so a waiter can win a mutex that is no longer in the map; the map is
// re-checked after locking and the acquisition retried on a pruned entry.
func (s *RedisSessionStore) acquire(senderID string) *sync.Mutex {
	for {
		l := s.lock(senderID)
		l.Lock()
		s.mu.Lock()
		live := s.locks[senderID] == l
		s.mu.Unlock()
		if live {
			return l
		}
		l.Unlock()
	}
}

// WithSession implements SessionStore.
func (s *RedisSessionStore) WithSession(ctx context.Context, senderID string, fn func(*Session) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l := s.acquire(senderID)
	defer l.Unlock()

	key := sessionKeyPrefix + senderID
	sess, err := s.load(ctx, key, senderID)
	if err != nil {
		return err
	}

	fnErr := fn(sess)
	sess.WasExpired = false
	sess.LastActivityAt = time.Now()

	if sess.empty() {
		if err := s.client.Del(ctx, key).Err(); err != nil {
			s.logger.Error("session delete failed", "error", err, "sender_id", senderID)
		}
		return fnErr
	}

	encoded, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("conversation: encode session: %w", err)
	}
	if err := s.client.Set(ctx, key, encoded, s.ttl).Err(); err != nil {
		return fmt.Errorf("conversation: persist session: %w", err)
	}
	return fnErr
}

func (s *RedisSessionStore) load(ctx context.Context, key, senderID string) (*Session, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return newSession(senderID, time.Now()), nil
	}
	if err != nil {
		return nil, fmt.Errorf("conversation: load session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		s.logger.Warn("discarding undecodable session", "error", err, "sender_id", senderID)
		return newSession(senderID, time.Now()), nil
	}
	if sess.Slots == nil {
		sess.Slots = Slots{}
	}
	return &sess, nil
}

// Sweep is a no-op: Redis key expiry already evicts idle sessions.
func (s *RedisSessionStore) Sweep(ctx context.Context) int {
	// Drop lock entries for senders whose sessions have expired, so the
	// lock map does not grow without bound.
	s.mu.Lock()
	senders := make([]string, 0, len(s.locks))
	for id := range s.locks {
		senders = append(senders, id)
	}
	s.mu.Unlock()

	for _, id := range senders {
		exists, err := s.client.Exists(ctx, sessionKeyPrefix+id).Result()
		if err != nil || exists > 0 {
			continue
		}
		s.mu.Lock()
		if l, ok := s.locks[id]; ok && l.TryLock() {
			delete(s.locks, id)
			l.Unlock()
		}
		s.mu.Unlock()
	}
	return 0
}
