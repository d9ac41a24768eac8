package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig holds the configuration for the Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix scopes every key this store writes, so Keys and Clear only
	// touch this store's entries.
	KeyPrefix string
	// CacheTTL bounds how long Redis keeps an entry. Zero keeps it forever.
	CacheTTL time.Duration
}

// RedisStore is a generic Store backed by Redis. Values are stored as JSON
// envelopes carrying the write time, so ages survive process restarts.
type RedisStore[K comparable, V any] struct {
	redisClient *redis.Client
	codec       KeyCodec[K]
	prefix      string
	ttl         time.Duration
	now         func() time.Time
	logger      zerolog.Logger
}

// NewRedisStore creates and connects a new generic RedisStore.
// It pings the Redis server to ensure connectivity before returning.
func NewRedisStore[K comparable, V any](
	ctx context.Context,
	cfg *RedisConfig,
	codec KeyCodec[K],
	logger zerolog.Logger,
) (*RedisStore[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("redis_address", cfg.Addr).Str("key_prefix", cfg.KeyPrefix).Msg("Successfully connected to Redis.")
	return NewRedisStoreFromClient[K, V](rdb, cfg, codec, logger), nil
}

// NewRedisStoreFromClient wraps an existing client. The store takes ownership
// of the client and closes it in Close.
func NewRedisStoreFromClient[K comparable, V any](
	rdb *redis.Client,
	cfg *RedisConfig,
	codec KeyCodec[K],
	logger zerolog.Logger,
) *RedisStore[K, V] {
	if codec == nil {
		codec = JSONKeyCodec[K]{}
	}
	return &RedisStore[K, V]{
		redisClient: rdb,
		codec:       codec,
		prefix:      cfg.KeyPrefix,
		ttl:         cfg.CacheTTL,
		now:         time.Now,
		logger:      logger.With().Str("component", "RedisStore").Logger(),
	}
}

func (s *RedisStore[K, V]) redisKey(key K) (string, error) {
	encoded, err := s.codec.EncodeKey(key)
	if err != nil {
		return "", err
	}
	return s.prefix + encoded, nil
}

// Get retrieves and unmarshals a value from Redis.
func (s *RedisStore[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	e, ok, err := s.getEntry(ctx, key)
	return e.Value, ok, err
}

func (s *RedisStore[K, V]) getEntry(ctx context.Context, key K) (Entry[V], bool, error) {
	var zero Entry[V]
	stringKey, err := s.redisKey(key)
	if err != nil {
		return zero, false, err
	}
	data, err := s.redisClient.Get(ctx, stringKey).Bytes()
	if err != nil {
		// A redis.Nil error is a normal cache miss. Any other error is a genuine problem.
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		s.logger.Error().Err(err).Str("key", stringKey).Msg("Unexpected Redis error during get.")
		return zero, false, fmt.Errorf("redis get failed for key %s: %w", stringKey, err)
	}
	e, err := decodeEntry[V](data)
	if err != nil {
		s.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to unmarshal cached data.")
		return zero, false, err
	}
	return e, true, nil
}

// Set stores value with the configured TTL and returns the replaced value,
// using SET ... GET so the swap is atomic on the server.
func (s *RedisStore[K, V]) Set(ctx context.Context, key K, value V) (V, bool, error) {
	var zero V
	stringKey, err := s.redisKey(key)
	if err != nil {
		return zero, false, err
	}
	data, err := encodeEntry(value, s.now())
	if err != nil {
		return zero, false, err
	}
	old, err := s.redisClient.SetArgs(ctx, stringKey, data, redis.SetArgs{Get: true, TTL: s.ttl}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		s.logger.Error().Err(err).Str("key", stringKey).Msg("Failed to set data in Redis.")
		return zero, false, fmt.Errorf("failed to set in redis: %w", err)
	}
	s.logger.Debug().Str("key", stringKey).Msg("Successfully stored data in Redis.")
	prev, err := decodeEntry[V]([]byte(old))
	if err != nil {
		// The write succeeded; only the previous value is unreadable.
		s.logger.Warn().Err(err).Str("key", stringKey).Msg("Replaced an unreadable Redis entry.")
		return zero, true, nil
	}
	return prev.Value, true, nil
}

// Delete removes key with GETDEL and returns the value it held.
func (s *RedisStore[K, V]) Delete(ctx context.Context, key K) (V, bool, error) {
	var zero V
	stringKey, err := s.redisKey(key)
	if err != nil {
		return zero, false, err
	}
	old, err := s.redisClient.GetDel(ctx, stringKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, false, nil
		}
		return zero, false, fmt.Errorf("redis getdel failed for key %s: %w", stringKey, err)
	}
	prev, err := decodeEntry[V](old)
	if err != nil {
		return zero, true, nil
	}
	return prev.Value, true, nil
}

// Age reports the time since key was last written.
func (s *RedisStore[K, V]) Age(ctx context.Context, key K) (time.Duration, bool, error) {
	e, ok, err := s.getEntry(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	return s.now().Sub(e.WrittenAt), true, nil
}

// Keys scans every key under the configured prefix.
func (s *RedisStore[K, V]) Keys(ctx context.Context) ([]K, error) {
	var keys []K
	iter := s.redisClient.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw := iter.Val()
		key, err := s.codec.DecodeKey(raw[len(s.prefix):])
		if err != nil {
			s.logger.Warn().Err(err).Str("key", raw).Msg("Skipping undecodable Redis key.")
			continue
		}
		keys = append(keys, key)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan failed: %w", err)
	}
	return keys, nil
}

// Clear deletes every key under the configured prefix.
func (s *RedisStore[K, V]) Clear(ctx context.Context) error {
	iter := s.redisClient.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	var batch []string
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := s.redisClient.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis del failed: %w", err)
		}
		batch = batch[:0]
		return nil
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) >= 100 {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan failed: %w", err)
	}
	return flush()
}

// Close closes the Redis client connection.
func (s *RedisStore[K, V]) Close() error {
	if s.redisClient != nil {
		s.logger.Info().Msg("Closing Redis client connection...")
		return s.redisClient.Close()
	}
	return nil
}
