package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/tandem-ai/tandem/pkg/engine"
)

// DefaultRedisPrefix namespaces cache keys.
const DefaultRedisPrefix = "tandem:cache:"

// RedisConfig configures the redis cache backend.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr" validate:"required,hostname_port"`
	Password string `yaml:"password" json:"-"`
	DB       int    `yaml:"db" json:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// RedisCacheBackend shares solution cache entries between processes.
// Each entry is a JSON string written with SETNX; a sorted set scored by
// creation time in microseconds keeps eviction order.
type RedisCacheBackend struct {
	client *redis.Client
	prefix string
	owned  bool
}

var _ engine.CacheBackend = (*RedisCacheBackend)(nil)

// NewRedisCacheBackend connects to redis and verifies the connection.
func NewRedisCacheBackend(ctx context.Context, cfg RedisConfig) (*RedisCacheBackend, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	b := NewRedisCacheBackendFromClient(client, cfg.Prefix)
	b.owned = true
	return b, nil
}

// NewRedisCacheBackendFromClient wraps an existing client. Close leaves the
// client open.
func NewRedisCacheBackendFromClient(client *redis.Client, prefix string) *RedisCacheBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisCacheBackend{client: client, prefix: prefix}
}

func (b *RedisCacheBackend) entryKey(fingerprint string) string {
	return b.prefix + "entry:" + fingerprint
}

func (b *RedisCacheBackend) indexKey() string {
	return b.prefix + "index"
}

func (b *RedisCacheBackend) Get(ctx context.Context, fingerprint string) (engine.CacheEntry, bool, error) {
	raw, err := b.client.Get(ctx, b.entryKey(fingerprint)).Result()
	if errors.Is(err, redis.Nil) {
		return engine.CacheEntry{}, false, nil
	}
	if err != nil {
		return engine.CacheEntry{}, false, fmt.Errorf("failed to get cache entry: %w", err)
	}
	var e engine.CacheEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		return engine.CacheEntry{}, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return e, true, nil
}

func (b *RedisCacheBackend) PutIfAbsent(ctx context.Context, entry engine.CacheEntry) (bool, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return false, fmt.Errorf("failed to encode cache entry: %w", err)
	}
	stored, err := b.client.SetNX(ctx, b.entryKey(entry.Fingerprint), data, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to store cache entry: %w", err)
	}
	if !stored {
		return false, nil
	}
	score := float64(entry.CreatedAt.UnixMicro())
	if err := b.client.ZAdd(ctx, b.indexKey(), redis.Z{Score: score, Member: entry.Fingerprint}).Err(); err != nil {
		return true, fmt.Errorf("failed to index cache entry: %w", err)
	}
	return true, nil
}

// Entries returns entries oldest first. Ties are ordered by fingerprint,
// which is how redis orders equal scores.
func (b *RedisCacheBackend) Entries(ctx context.Context) ([]engine.CacheEntry, error) {
	fingerprints, err := b.client.ZRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list cache index: %w", err)
	}
	entries := []engine.CacheEntry{}
	if len(fingerprints) == 0 {
		return entries, nil
	}

	keys := make([]string, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = b.entryKey(fp)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load cache entries: %w", err)
	}
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var e engine.CacheEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("failed to decode cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func (b *RedisCacheBackend) Len(ctx context.Context) (int, error) {
	n, err := b.client.ZCard(ctx, b.indexKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count cache entries: %w", err)
	}
	return int(n), nil
}

func (b *RedisCacheBackend) Trim(ctx context.Context, max int) (int, error) {
	n, err := b.Len(ctx)
	if err != nil {
		return 0, err
	}
	excess := n - max
	if max <= 0 || excess <= 0 {
		return 0, nil
	}
	oldest, err := b.client.ZRange(ctx, b.indexKey(), 0, int64(excess-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read cache index: %w", err)
	}
	if err := b.remove(ctx, oldest); err != nil {
		return 0, err
	}
	return len(oldest), nil
}

func (b *RedisCacheBackend) Clear(ctx context.Context) error {
	all, err := b.client.ZRange(ctx, b.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}
	if err := b.remove(ctx, all); err != nil {
		return err
	}
	return b.client.Del(ctx, b.indexKey()).Err()
}

func (b *RedisCacheBackend) remove(ctx context.Context, fingerprints []string) error {
	if len(fingerprints) == 0 {
		return nil
	}
	keys := make([]string, len(fingerprints))
	members := make([]interface{}, len(fingerprints))
	for i, fp := range fingerprints {
		keys[i] = b.entryKey(fp)
		members[i] = fp
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, b.indexKey(), members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to evict cache entries: %w", err)
	}
	return nil
}

// Close releases the client when the backend created it.
func (b *RedisCacheBackend) Close() error {
	if b.owned {
		return b.client.Close()
	}
	return nil
}
