package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/eventpipe/contracts"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisKeyPrefix namespaces idempotency keys in a shared Redis
const DefaultRedisKeyPrefix = "eventpipe:processed:"

// ConnectRedis builds a client from a redis:// URL or a plain host:port
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// RedisStore marks events with SET NX so concurrent consumers in different
// processes agree on who processes an id.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisStore creates a Redis backed store. An empty prefix uses DefaultRedisKeyPrefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		now:    time.Now,
	}
}

func (s *RedisStore) key(eventID string) string {
	return s.prefix + eventID
}

func (s *RedisStore) TryMarkProcessed(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	if eventID == "" {
		return false, ErrEmptyEventID
	}

	record, err := json.Marshal(contracts.ProcessedEventRecord{
		EventID:     eventID,
		ProcessedAt: s.now().UTC(),
	})
	if err != nil {
		return false, fmt.Errorf("encode processed record: %w", err)
	}

	if ttl < 0 {
		ttl = 0
	}
	fresh, err := s.client.SetNX(ctx, s.key(eventID), record, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", eventID, err)
	}
	return fresh, nil
}

func (s *RedisStore) Release(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, s.key(eventID)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", eventID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, eventID string) (*contracts.ProcessedEventRecord, error) {
	raw, err := s.client.Get(ctx, s.key(eventID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", eventID, err)
	}

	var record contracts.ProcessedEventRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decode processed record: %w", err)
	}
	return &record, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
