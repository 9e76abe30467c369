// Package idempotency deduplicates event submissions. A caller-supplied key
// maps to the result of the first submission; reusing the key with different
// input is a conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pitabwire/casework/model"
)

// Store provides deduplication for event submission.
type Store interface {
	// Check looks up a previous result by key. If the key exists and the
	// input hash matches, it returns the cached result. If the key exists
	// with a different hash, it returns a CONFLICT error.
	Check(ctx context.Context, key, inputHash string) (result *model.ApplicationView, found bool, err error)

	// Save records a result under key for ttl.
	Save(ctx context.Context, key, inputHash string, result model.ApplicationView, ttl time.Duration) error

	// HealthCheck reports whether the store is reachable.
	HealthCheck(ctx context.Context) error
}

type entry struct {
	InputHash string                `json:"input_hash"`
	Result    model.ApplicationView `json:"result"`
}

func conflict(key string) error {
	return model.NewConflictError(fmt.Sprintf("idempotency key %q already used with different input", key))
}

// FormatKey builds the storage key of a submission on one application.
func FormatKey(applicationID, key string) string {
	return fmt.Sprintf("idem:%s:%s", applicationID, key)
}

// HashInput hashes the parts identifying a submission.
func HashInput(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x00")))
	return hex.EncodeToString(sum[:])
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support, for tests and
// single-instance deployments.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	now     func() time.Time
}

type memEntry struct {
	data      entry
	expiresAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// Check looks up a cached result. Expired entries are removed.
func (s *MemoryStore) Check(_ context.Context, key, inputHash string) (*model.ApplicationView, bool, error) {
	s.mu.RLock()
	e, exists := s.entries[key]
	s.mu.RUnlock()

	if !exists {
		return nil, false, nil
	}

	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	if e.data.InputHash != inputHash {
		return nil, true, conflict(key)
	}

	result := e.data.Result
	if result.Application != nil {
		result.Application = result.Application.Clone()
	}
	return &result, true, nil
}

// Save stores a result with TTL.
func (s *MemoryStore) Save(_ context.Context, key, inputHash string, result model.ApplicationView, ttl time.Duration) error {
	if result.Application != nil {
		result.Application = result.Application.Clone()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{
		data:      entry{InputHash: inputHash, Result: result},
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the number of entries, including expired ones.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. Entries expire through Redis TTLs.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Check looks up a cached result in Redis.
func (s *RedisStore) Check(ctx context.Context, key, inputHash string) (*model.ApplicationView, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, false, fmt.Errorf("unmarshal idempotency entry %q: %w", key, err)
	}

	if e.InputHash != inputHash {
		return nil, true, conflict(key)
	}
	return &e.Result, true, nil
}

// Save stores a result in Redis with TTL.
func (s *RedisStore) Save(ctx context.Context, key, inputHash string, result model.ApplicationView, ttl time.Duration) error {
	data, err := json.Marshal(entry{InputHash: inputHash, Result: result})
	if err != nil {
		return fmt.Errorf("marshal idempotency entry: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// HealthCheck pings Redis.
func (s *RedisStore) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
