package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLiteConfig holds configuration for a SQLiteStore.
type SQLiteConfig struct {
	// Path is the database file, or ":memory:".
	Path string
	// Table defaults to "cache_entries".
	Table string
}

// SQLiteStore is a generic Store persisted in a SQLite table with one row per
// key. Write times are stored as Unix milliseconds.
type SQLiteStore[K comparable, V any] struct {
	sqlDB  *sql.DB
	table  string
	codec  KeyCodec[K]
	now    func() time.Time
	logger zerolog.Logger
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// OpenSQLiteStore opens (creating if needed) a SQLite database and its table.
func OpenSQLiteStore[K comparable, V any](ctx context.Context, cfg *SQLiteConfig, codec KeyCodec[K], logger zerolog.Logger) (*SQLiteStore[K, V], error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	table := cfg.Table
	if table == "" {
		table = "cache_entries"
	}
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if codec == nil {
		codec = JSONKeyCodec[K]{}
	}

	dsn := cfg.Path
	if dsn != ":memory:" {
		dsn = filepath.Clean(dsn) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if cfg.Path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		sqlDB.SetMaxOpenConns(1)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		written_at INTEGER NOT NULL
	)`, table)
	if _, err := sqlDB.ExecContext(ctx, ddl); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create table %s: %w", table, err)
	}

	logger.Info().Str("path", cfg.Path).Str("table", table).Msg("SQLiteStore opened.")
	return &SQLiteStore[K, V]{
		sqlDB:  sqlDB,
		table:  table,
		codec:  codec,
		now:    time.Now,
		logger: logger.With().Str("component", "SQLiteStore").Logger(),
	}, nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore[K, V]) readEntry(ctx context.Context, q rowQuerier, encoded string) (Entry[V], bool, error) {
	var zero Entry[V]
	var data []byte
	var millis int64
	err := q.QueryRowContext(ctx, fmt.Sprintf(`SELECT value, written_at FROM %s WHERE key = ?`, s.table), encoded).Scan(&data, &millis)
	if errors.Is(err, sql.ErrNoRows) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("select %s: %w", encoded, err)
	}
	e, err := decodeEntry[V](data)
	if err != nil {
		return zero, false, err
	}
	e.WrittenAt = fromMillis(millis)
	return e, true, nil
}

// Get retrieves the value for key.
func (s *SQLiteStore[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	var zero V
	encoded, err := s.codec.EncodeKey(key)
	if err != nil {
		return zero, false, err
	}
	e, ok, err := s.readEntry(ctx, s.sqlDB, encoded)
	return e.Value, ok, err
}

// Set upserts key inside a transaction and returns the replaced value.
func (s *SQLiteStore[K, V]) Set(ctx context.Context, key K, value V) (V, bool, error) {
	var zero V
	encoded, err := s.codec.EncodeKey(key)
	if err != nil {
		return zero, false, err
	}
	at := s.now()
	data, err := encodeEntry(value, at)
	if err != nil {
		return zero, false, err
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return zero, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, existed, err := s.readEntry(ctx, tx, encoded)
	if err != nil {
		return zero, false, err
	}
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (key, value, written_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, written_at = excluded.written_at`, s.table),
		encoded, data, toMillis(at),
	)
	if err != nil {
		return zero, false, fmt.Errorf("upsert %s: %w", encoded, err)
	}
	if err := tx.Commit(); err != nil {
		return zero, false, fmt.Errorf("commit: %w", err)
	}
	return prev.Value, existed, nil
}

// Delete removes key and returns the value it held.
func (s *SQLiteStore[K, V]) Delete(ctx context.Context, key K) (V, bool, error) {
	var zero V
	encoded, err := s.codec.EncodeKey(key)
	if err != nil {
		return zero, false, err
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return zero, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, existed, err := s.readEntry(ctx, tx, encoded)
	if err != nil || !existed {
		return zero, false, err
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE key = ?`, s.table), encoded); err != nil {
		return zero, false, fmt.Errorf("delete %s: %w", encoded, err)
	}
	if err := tx.Commit(); err != nil {
		return zero, false, fmt.Errorf("commit: %w", err)
	}
	return prev.Value, true, nil
}

// Age reports the time since key was last written.
func (s *SQLiteStore[K, V]) Age(ctx context.Context, key K) (time.Duration, bool, error) {
	encoded, err := s.codec.EncodeKey(key)
	if err != nil {
		return 0, false, err
	}
	e, ok, err := s.readEntry(ctx, s.sqlDB, encoded)
	if err != nil || !ok {
		return 0, false, err
	}
	return s.now().Sub(e.WrittenAt), true, nil
}

// Keys lists every stored key.
func (s *SQLiteStore[K, V]) Keys(ctx context.Context) ([]K, error) {
	rows, err := s.sqlDB.QueryContext(ctx, fmt.Sprintf(`SELECT key FROM %s`, s.table))
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []K
	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		key, err := s.codec.DecodeKey(encoded)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", encoded).Msg("Skipping undecodable key.")
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Clear removes every row.
func (s *SQLiteStore[K, V]) Clear(ctx context.Context) error {
	if _, err := s.sqlDB.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s`, s.table)); err != nil {
		return fmt.Errorf("clear %s: %w", s.table, err)
	}
	return nil
}

// Close closes the SQLite handle.
func (s *SQLiteStore[K, V]) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}
