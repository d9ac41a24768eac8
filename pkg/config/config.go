// Package config loads the settings of a process embedding the query cache
// from an optional YAML file overlaid with environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/illmade-knight/go-querycache/pkg/cache"
	"github.com/illmade-knight/go-querycache/pkg/delay"
	"github.com/illmade-knight/go-querycache/pkg/loading"
	"github.com/illmade-knight/go-querycache/pkg/mutation"
	"github.com/illmade-knight/go-querycache/pkg/strategy"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// QueryConfig selects the default refresh strategy.
type QueryConfig struct {
	Strategy string        `yaml:"strategy" env:"STRATEGY"`
	MaxAge   time.Duration `yaml:"max_age" env:"MAX_AGE"`
}

// LoadingConfig holds the loading indicator timing.
type LoadingConfig struct {
	Delay                   time.Duration `yaml:"delay" env:"DELAY"`
	MinimumDuration         time.Duration `yaml:"minimum_duration" env:"MINIMUM_DURATION"`
	LoadedErrorsBecomeEmpty bool          `yaml:"loaded_errors_become_empty" env:"LOADED_ERRORS_BECOME_EMPTY"`
}

// MutationConfig holds the optimistic mutation settings.
type MutationConfig struct {
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// LRUConfig configures the bounded in-memory backing store.
type LRUConfig struct {
	MaxSize int `yaml:"max_size" env:"MAX_SIZE"`
}

// RedisConfig configures the Redis backing store.
type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"ADDR"`
	Password  string        `yaml:"password" env:"PASSWORD"`
	DB        int           `yaml:"db" env:"DB"`
	KeyPrefix string        `yaml:"key_prefix" env:"KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"TTL"`
}

// FirestoreConfig configures the Firestore backing store.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id" env:"PROJECT_ID"`
	Collection      string `yaml:"collection" env:"COLLECTION"`
	CredentialsFile string `yaml:"credentials_file" env:"CREDENTIALS_FILE"`
}

// SQLiteConfig configures the SQLite backing store.
type SQLiteConfig struct {
	Path  string `yaml:"path" env:"PATH"`
	Table string `yaml:"table" env:"TABLE"`
}

// PubSubConfig configures the change-event bridge.
type PubSubConfig struct {
	ProjectID string `yaml:"project_id" env:"PROJECT_ID"`
	TopicID   string `yaml:"topic_id" env:"TOPIC_ID"`
}

// Config is the root configuration. Environment variables are prefixed with
// QUERYCACHE_, e.g. QUERYCACHE_REDIS_ADDR.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"LOG_LEVEL"`
	HTTPPort  string          `yaml:"http_port" env:"HTTP_PORT"`
	Store     string          `yaml:"store" env:"STORE"`
	Query     QueryConfig     `yaml:"query" envPrefix:"QUERY_"`
	Loading   LoadingConfig   `yaml:"loading" envPrefix:"LOADING_"`
	Mutation  MutationConfig  `yaml:"mutation" envPrefix:"MUTATION_"`
	LRU       LRUConfig       `yaml:"lru" envPrefix:"LRU_"`
	Redis     RedisConfig     `yaml:"redis" envPrefix:"REDIS_"`
	Firestore FirestoreConfig `yaml:"firestore" envPrefix:"FIRESTORE_"`
	SQLite    SQLiteConfig    `yaml:"sqlite" envPrefix:"SQLITE_"`
	PubSub    PubSubConfig    `yaml:"pubsub" envPrefix:"PUBSUB_"`
}

const envPrefix = "QUERYCACHE_"

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		LogLevel: "info",
		HTTPPort: ":8080",
		Store:    "memory",
		Query:    QueryConfig{Strategy: "if_older_than", MaxAge: time.Minute},
		Loading:  LoadingConfig{Delay: 300 * time.Millisecond, MinimumDuration: 500 * time.Millisecond},
		Mutation: MutationConfig{Debounce: 300 * time.Millisecond},
		LRU:      LRUConfig{MaxSize: 1000},
		Redis:    RedisConfig{Addr: "localhost:6379", KeyPrefix: "querycache:"},
		SQLite:   SQLiteConfig{Path: "querycache.db", Table: "cache_entries"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path if
// path is non-empty, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel)); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if _, err := c.Strategy(); err != nil {
		return err
	}
	if c.Loading.Delay < 0 || c.Loading.MinimumDuration < 0 || c.Mutation.Debounce < 0 {
		return fmt.Errorf("durations cannot be negative")
	}
	switch c.Store {
	case "memory":
	case "lru":
		if c.LRU.MaxSize <= 0 {
			return fmt.Errorf("lru store requires lru.max_size > 0")
		}
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis store requires redis.addr")
		}
	case "firestore":
		if c.Firestore.ProjectID == "" || c.Firestore.Collection == "" {
			return fmt.Errorf("firestore store requires firestore.project_id and firestore.collection")
		}
	case "sqlite":
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite store requires sqlite.path")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	return nil
}

// Strategy returns the configured default refresh strategy.
func (c Config) Strategy() (strategy.Strategy, error) {
	return strategy.Parse(c.Query.Strategy, c.Query.MaxAge)
}

// DelayConfig returns the loading indicator timing.
func (c Config) DelayConfig() delay.Config {
	return delay.Config{Delay: c.Loading.Delay, MinimumDuration: c.Loading.MinimumDuration}
}

// LoadingConfig returns a loading controller configuration for values judged
// by isEmpty.
func LoadingConfigFor[V any](c Config, isEmpty func(V) bool) loading.Config[V] {
	return loading.Config[V]{
		Delay:                   c.DelayConfig(),
		IsEmpty:                 isEmpty,
		LoadedErrorsBecomeEmpty: c.Loading.LoadedErrorsBecomeEmpty,
	}
}

// MutationConfig returns the mutation engine configuration.
func (c Config) MutationConfig() mutation.Config {
	return mutation.Config{Debounce: c.Mutation.Debounce}
}

// LRUStoreConfig returns the bounded in-memory store configuration.
func LRUStoreConfig[K comparable, V any](c Config) cache.LRUConfig[K, V] {
	return cache.LRUConfig[K, V]{MaxSize: c.LRU.MaxSize}
}

// RedisStoreConfig returns the Redis backing store configuration.
func (c Config) RedisStoreConfig() *cache.RedisConfig {
	return &cache.RedisConfig{
		Addr:      c.Redis.Addr,
		Password:  c.Redis.Password,
		DB:        c.Redis.DB,
		KeyPrefix: c.Redis.KeyPrefix,
		CacheTTL:  c.Redis.TTL,
	}
}

// FirestoreStoreConfig returns the Firestore backing store configuration.
func (c Config) FirestoreStoreConfig() *cache.FirestoreConfig {
	return &cache.FirestoreConfig{
		ProjectID:       c.Firestore.ProjectID,
		CollectionName:  c.Firestore.Collection,
		CredentialsFile: c.Firestore.CredentialsFile,
	}
}

// SQLiteStoreConfig returns the SQLite backing store configuration.
func (c Config) SQLiteStoreConfig() *cache.SQLiteConfig {
	return &cache.SQLiteConfig{Path: c.SQLite.Path, Table: c.SQLite.Table}
}

// NewLogger builds a console-friendly zerolog logger at level. An unknown
// level falls back to info.
func NewLogger(level string, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
