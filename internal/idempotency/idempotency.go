// Package idempotency deduplicates retried intake submissions. A key seen
// before with the same input answers with the instance created the first
// time; the same key with different input is a CONFLICT.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Yaduri/workflow-system/model"
)

// Entry is what a key remembers about the submission that first used it.
type Entry struct {
	InputHash  string    `json:"input_hash"`
	InstanceID string    `json:"instance_id"`
	Number     string    `json:"number"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store records idempotency keys with a TTL.
type Store interface {
	// Check looks up key. If it exists and inputHash matches, the stored
	// entry is returned. If the hash differs, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (*Entry, bool, error)

	// Save records entry under key for ttl.
	Save(ctx context.Context, key string, entry Entry, ttl time.Duration) error

	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support, for tests and
// single-process deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data      Entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memEntry), now: time.Now}
}

// Check looks up key, dropping it if expired.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*Entry, bool, error) {
	s.mu.RLock()
	entry, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}
	if s.now().After(entry.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	if entry.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	out := entry.data
	return &out, true, nil
}

// Save records entry with TTL.
func (s *MemoryStore) Save(_ context.Context, key string, entry Entry, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memEntry{data: entry, expiresAt: s.now().Add(ttl)}
	return nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Len returns the number of entries, including expired ones. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Entries are JSON values with a
// native Redis TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Store over client.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up key in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*Entry, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}
	if entry.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &entry, true, nil
}

// Save stores entry in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key string, entry Entry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// FormatKey builds the key under which an intake submission is recorded.
func FormatKey(token, key string) string {
	return fmt.Sprintf("idem:intake:%s:%s", token, key)
}

// HashInput fingerprints submitted form values. Map keys are encoded in
// sorted order, so equal inputs hash equally.
func HashInput(values map[string]string) string {
	data, _ := json.Marshal(values)
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
