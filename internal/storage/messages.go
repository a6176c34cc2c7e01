package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/providentiaww/identity-server/internal/cache"
	"github.com/providentiaww/identity-server/internal/oauth"
	"github.com/providentiaww/identity-server/internal/protect"
)

// MessageBackend stores short-lived opaque values. Missing or expired keys
// return oauth.ErrNotFound.
type MessageBackend interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// MessageStore keeps typed messages as protected JSON under random ids.
type MessageStore[T any] struct {
	backend   MessageBackend
	prefix    string
	ttl       time.Duration
	protector protect.Protector
}

// NewMessageStore builds a store whose keys start with prefix.
func NewMessageStore[T any](backend MessageBackend, prefix string, ttl time.Duration, protector protect.Protector) *MessageStore[T] {
	if protector == nil {
		protector = protect.Passthrough{}
	}
	return &MessageStore[T]{backend: backend, prefix: prefix, ttl: ttl, protector: protector}
}

// NewID returns a fresh message id.
func (s *MessageStore[T]) NewID() string {
	return uuid.NewString()
}

// Write stores msg under id.
func (s *MessageStore[T]) Write(ctx context.Context, id string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal message")
	}
	data, err := s.protector.Protect(payload)
	if err != nil {
		return errors.Wrap(err, "protect message")
	}
	return s.backend.Put(ctx, s.prefix+id, []byte(data), s.ttl)
}

// Read returns the message stored under id.
func (s *MessageStore[T]) Read(ctx context.Context, id string) (*T, error) {
	data, err := s.backend.Get(ctx, s.prefix+id)
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

// Take reads and deletes the message in one step.
func (s *MessageStore[T]) Take(ctx context.Context, id string) (*T, error) {
	data, err := s.backend.Take(ctx, s.prefix+id)
	if err != nil {
		return nil, err
	}
	return s.decode(data)
}

// Delete removes the message stored under id.
func (s *MessageStore[T]) Delete(ctx context.Context, id string) error {
	return s.backend.Delete(ctx, s.prefix+id)
}

func (s *MessageStore[T]) decode(data []byte) (*T, error) {
	payload, err := s.protector.Unprotect(string(data))
	if err != nil {
		return nil, oauth.ErrNotFound
	}
	var msg T
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, oauth.ErrNotFound
	}
	return &msg, nil
}

// RedisMessageBackend stores messages in Redis with per-key TTLs.
type RedisMessageBackend struct {
	client *redis.Client
}

// NewRedisMessageBackend wraps client.
func NewRedisMessageBackend(client *redis.Client) *RedisMessageBackend {
	return &RedisMessageBackend{client: client}
}

// OpenRedis parses url and pings the server.
func OpenRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid REDIS_URL")
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return client, nil
}

func (b *RedisMessageBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.Wrap(b.client.Set(ctx, key, value, ttl).Err(), "redis set")
}

func (b *RedisMessageBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oauth.ErrNotFound
	}
	return val, errors.Wrap(err, "redis get")
}

func (b *RedisMessageBackend) Take(ctx context.Context, key string) ([]byte, error) {
	val, err := b.client.GetDel(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, oauth.ErrNotFound
	}
	return val, errors.Wrap(err, "redis getdel")
}

func (b *RedisMessageBackend) Delete(ctx context.Context, key string) error {
	return errors.Wrap(b.client.Del(ctx, key).Err(), "redis del")
}

// MemoryMessageBackend keeps messages in process. Use it for single-instance
// deployments and tests.
type MemoryMessageBackend struct {
	items *cache.TTL[[]byte]
}

// NewMemoryMessageBackend builds an empty backend.
func NewMemoryMessageBackend() *MemoryMessageBackend {
	return &MemoryMessageBackend{items: cache.New[[]byte]()}
}

func (b *MemoryMessageBackend) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	b.items.Set(key, value, ttl)
	return nil
}

func (b *MemoryMessageBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := b.items.Get(key)
	if !ok {
		return nil, oauth.ErrNotFound
	}
	return v, nil
}

func (b *MemoryMessageBackend) Take(_ context.Context, key string) ([]byte, error) {
	v, ok := b.items.Take(key)
	if !ok {
		return nil, oauth.ErrNotFound
	}
	return v, nil
}

func (b *MemoryMessageBackend) Delete(_ context.Context, key string) error {
	b.items.Delete(key)
	return nil
}

// Purge drops expired messages.
func (b *MemoryMessageBackend) Purge() int {
	return b.items.Purge()
}
