package config

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/rs/zerolog"
)

// OpenStore builds the backing store selected by c.Store: memory, lru, redis,
// firestore or sqlite. The returned close function releases every client the
// store owns and is never nil.
func OpenStore[K comparable, V any](ctx context.Context, c Config, codec cache.KeyCodec[K], logger zerolog.Logger) (cache.Store[K, V], func() error, error) {
	noop := func() error { return nil }
	switch c.Store {
	case "memory":
		return cache.NewInMemoryStore[K, V](), noop, nil
	case "lru":
		s, err := cache.NewLRUStore(LRUStoreConfig[K, V](c))
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	case "redis":
		s, err := cache.NewRedisStore[K, V](ctx, c.RedisStoreConfig(), codec, logger)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	case "firestore":
		fsCfg := c.FirestoreStoreConfig()
		client, err := cache.NewFirestoreClient(ctx, fsCfg, logger)
		if err != nil {
			return nil, noop, err
		}
		s, err := cache.NewFirestoreStore[K, V](fsCfg, client, codec, logger)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return s, client.Close, nil
	case "sqlite":
		s, err := cache.OpenSQLiteStore[K, V](ctx, c.SQLiteStoreConfig(), codec, logger)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil
	default:
		return nil, noop, fmt.Errorf("unknown store %q", c.Store)
	}
}
