package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// MemoryBlockStore is the default in-process store.
type MemoryBlockStore struct {
	mu      sync.RWMutex
	entries map[string]BlockEntry
}

// NewMemoryBlockStore creates an empty in-memory store.
func NewMemoryBlockStore() *MemoryBlockStore {
	return &MemoryBlockStore{entries: make(map[string]BlockEntry)}
}

func (s *MemoryBlockStore) GetBlock(_ context.Context, ip string) (*BlockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[ip]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (s *MemoryBlockStore) PutBlock(_ context.Context, entry BlockEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.IP] = entry
	return nil
}

func (s *MemoryBlockStore) DeleteBlock(_ context.Context, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ip)
	return nil
}

func (s *MemoryBlockStore) ListBlocks(_ context.Context) ([]BlockEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BlockEntry, 0, len(s.entries))
	for _, entry := range s.entries {
		out = append(out, entry)
	}
	return out, nil
}

// RedisBlockStore shares block state between gateway instances. Entries
// live under a key prefix as JSON values; permanent blocks carry no
// TTL, timed blocks expire a day after the block lapses so the failure
// counter survives the block itself.
type RedisBlockStore struct {
	client    *redis.Client
	keyPrefix string
}

// RedisBlockConfig holds the Redis connection settings.
type RedisBlockConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// NewRedisBlockStore connects to Redis and verifies the connection.
func NewRedisBlockStore(cfg RedisBlockConfig) (*RedisBlockStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "flm:block:"
	}
	return &RedisBlockStore{client: client, keyPrefix: prefix}, nil
}

func (s *RedisBlockStore) key(ip string) string { return s.keyPrefix + ip }

func (s *RedisBlockStore) GetBlock(ctx context.Context, ip string) (*BlockEntry, error) {
	raw, err := s.client.Get(ctx, s.key(ip)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entry BlockEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode block entry: %w", err)
	}
	return &entry, nil
}

func (s *RedisBlockStore) PutBlock(ctx context.Context, entry BlockEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !entry.PermanentBlock {
		ttl = 24 * time.Hour
		if entry.BlockedUntil != nil {
			ttl = time.Until(*entry.BlockedUntil) + 24*time.Hour
		}
	}
	return s.client.Set(ctx, s.key(entry.IP), raw, ttl).Err()
}

func (s *RedisBlockStore) DeleteBlock(ctx context.Context, ip string) error {
	return s.client.Del(ctx, s.key(ip)).Err()
}

func (s *RedisBlockStore) ListBlocks(ctx context.Context) ([]BlockEntry, error) {
	var out []BlockEntry
	iter := s.client.Scan(ctx, 0, s.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := s.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var entry BlockEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		out = append(out, entry)
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close releases the Redis connection.
func (s *RedisBlockStore) Close() error {
	return s.client.Close()
}
