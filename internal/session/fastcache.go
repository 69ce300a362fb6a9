package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/salonlens/tryon-core/internal/models"
)

// FastCache is an optional read-through layer in front of the durable repo.
// It must never be the sole basis for an admission decision; counters read
// from it are refreshed from the repo on every mutation.
//
// Get returns (nil, nil) on a miss.
type FastCache interface {
	Get(ctx context.Context, id string) (*models.Session, error)
	Set(ctx context.Context, s *models.Session) error
	Delete(ctx context.Context, id string) error
}

const fastKeyPrefix = "session:"

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) FastCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &redisCache{client: client, ttl: ttl}
}

func (c *redisCache) Get(ctx context.Context, id string) (*models.Session, error) {
	val, err := c.client.Get(ctx, fastKeyPrefix+id).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s models.Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, err
	}
	return &s, nil
}

func (c *redisCache) Set(ctx context.Context, s *models.Session) error {
	val, err := json.Marshal(s)
	if err != nil {
		return err
	}
	ttl := c.ttl
	if remaining := time.Until(s.ExpiresAt); remaining > 0 && remaining < ttl {
		ttl = remaining
	}
	return c.client.Set(ctx, fastKeyPrefix+s.ID, val, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, id string) error {
	return c.client.Del(ctx, fastKeyPrefix+id).Err()
}

// noopCache disables the fast path when no Redis is configured.
type noopCache struct{}

func NewNoopCache() FastCache { return noopCache{} }

func (noopCache) Get(ctx context.Context, id string) (*models.Session, error) { return nil, nil }
func (noopCache) Set(ctx context.Context, s *models.Session) error            { return nil }
func (noopCache) Delete(ctx context.Context, id string) error                 { return nil }

// memoryCache is the in-process equivalent of the Redis cache, used in tests.
type memoryCache struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
}

func NewMemoryCache() FastCache {
	return &memoryCache{sessions: make(map[string]*models.Session)}
}

func (c *memoryCache) Get(ctx context.Context, id string) (*models.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (c *memoryCache) Set(ctx context.Context, s *models.Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *s
	c.sessions[s.ID] = &cp
	return nil
}

func (c *memoryCache) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
	return nil
}
