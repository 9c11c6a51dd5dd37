package writeback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Receipt records a completed finalize.
type Receipt struct {
	Key            string    `json:"key"`
	CaseID         string    `json:"case_id"`
	RunID          string    `json:"run_id"`
	ArtifactHash   string    `json:"artifact_hash"`
	ResolutionCode string    `json:"resolution_code"`
	Attempts       int       `json:"attempts"`
	ClosedAt       time.Time `json:"closed_at"`
}

// IdempotencyStore remembers receipts by key.
type IdempotencyStore interface {
	Get(ctx context.Context, key string) (Receipt, bool, error)
	Put(ctx context.Context, r Receipt) error
}

// IdempotencyKey is the dedupe key for finalizing an artifact on a case.
func IdempotencyKey(caseID, artifactHash string) string {
	return caseID + ":" + artifactHash
}

// MemoryIdempotency is an in-process IdempotencyStore.
type MemoryIdempotency struct {
	mu       sync.RWMutex
	receipts map[string]Receipt
}

func NewMemoryIdempotency() *MemoryIdempotency {
	return &MemoryIdempotency{receipts: make(map[string]Receipt)}
}

func (m *MemoryIdempotency) Get(_ context.Context, key string) (Receipt, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.receipts[key]
	return r, ok, nil
}

func (m *MemoryIdempotency) Put(_ context.Context, r Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[r.Key] = r
	return nil
}

// RedisIdempotency stores receipts in Redis under idempotency:<key>.
type RedisIdempotency struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisIdempotency creates a store on client. A zero ttl keeps receipts
// forever.
func NewRedisIdempotency(client redis.UniversalClient, ttl time.Duration) *RedisIdempotency {
	return &RedisIdempotency{client: client, ttl: ttl}
}

// DialRedis connects to addr.
func DialRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func redisKey(key string) string { return "idempotency:" + key }

func (s *RedisIdempotency) Get(ctx context.Context, key string) (Receipt, bool, error) {
	data, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Receipt{}, false, nil
	}
	if err != nil {
		return Receipt{}, false, fmt.Errorf("redis idempotency get: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return Receipt{}, false, fmt.Errorf("decode receipt %s: %w", key, err)
	}
	return r, true, nil
}

// Put records r unless a receipt for the key already exists.
func (s *RedisIdempotency) Put(ctx context.Context, r Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if err := s.client.SetNX(ctx, redisKey(r.Key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis idempotency put: %w", err)
	}
	return nil
}
