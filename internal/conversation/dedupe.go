package conversation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ProcessedStore deduplicates retried webhook deliveries by channel message
// id. MarkProcessed returns true only for the first delivery of an id.
type ProcessedStore interface {
	AlreadyProcessed(ctx context.Context, channel, messageID string) (bool, error)
	MarkProcessed(ctx context.Context, channel, messageID string) (bool, error)
}

// MemoryProcessedStore is the in-process ProcessedStore.
type MemoryProcessedStore struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

// NewMemoryProcessedStore retains message ids for ttl.
func NewMemoryProcessedStore(ttl time.Duration) *MemoryProcessedStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &MemoryProcessedStore{
		seen: make(map[string]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

func dedupeKey(channel, messageID string) string {
	return channel + ":" + messageID
}

// AlreadyProcessed implements ProcessedStore.
func (s *MemoryProcessedStore) AlreadyProcessed(_ context.Context, channel, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	_, ok := s.seen[dedupeKey(channel, messageID)]
	return ok, nil
}

// MarkProcessed implements ProcessedStore.
func (s *MemoryProcessedStore) MarkProcessed(_ context.Context, channel, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked()
	key := dedupeKey(channel, messageID)
	if _, ok := s.seen[key]; ok {
		return false, nil
	}
	s.seen[key] = s.now()
	return true, nil
}

func (s *MemoryProcessedStore) evictLocked() {
	cutoff := s.now().Add(-s.ttl)
	for key, at := range s.seen {
		if at.Before(cutoff) {
			delete(s.seen, key)
		}
	}
}

const processedKeyPrefix = "processed:"

// RedisProcessedStore deduplicates across process restarts via SETNX.
type RedisProcessedStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisProcessedStore retains message ids for ttl.
func NewRedisProcessedStore(client *redis.Client, ttl time.Duration) *RedisProcessedStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisProcessedStore{client: client, ttl: ttl}
}

// AlreadyProcessed implements ProcessedStore.
func (s *RedisProcessedStore) AlreadyProcessed(ctx context.Context, channel, messageID string) (bool, error) {
	n, err := s.client.Exists(ctx, processedKeyPrefix+dedupeKey(channel, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("conversation: dedupe lookup: %w", err)
	}
	return n > 0, nil
}

// MarkProcessed implements ProcessedStore.
func (s *RedisProcessedStore) MarkProcessed(ctx context.Context, channel, messageID string) (bool, error) {
	ok, err := s.client.SetNX(ctx, processedKeyPrefix+dedupeKey(channel, messageID), 1, s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("conversation: dedupe mark: %w", err)
	}
	return ok, nil
}
