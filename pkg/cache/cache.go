// Package cache defines the keyed backing Store the coordination layer caches
// into, together with its in-memory, bounded LRU, Redis, Firestore and SQLite
// implementations.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by backends that need to signal a missing key
// internally. Store methods report absence through their bool result instead.
var ErrNotFound = errors.New("key not found")

// Store is a generic key/value cache that tracks when each entry was last
// written. Setting an existing key resets its age.
type Store[K comparable, V any] interface {
	// Get retrieves the value for key.
	Get(ctx context.Context, key K) (V, bool, error)
	// Set writes value for key and returns the value it replaced, if any.
	Set(ctx context.Context, key K, value V) (previous V, existed bool, err error)
	// Delete removes key and returns the value it held, if any.
	Delete(ctx context.Context, key K) (previous V, existed bool, err error)
	// Age reports the time elapsed since key was last written.
	Age(ctx context.Context, key K) (time.Duration, bool, error)
	// Keys lists every stored key in no particular order.
	Keys(ctx context.Context) ([]K, error)
	// Clear removes every entry.
	Clear(ctx context.Context) error
}

// Entry is one stored value plus the time it was written.
type Entry[V any] struct {
	Value     V         `json:"value"`
	WrittenAt time.Time `json:"written_at"`
}

// KeyCodec converts keys to and from the string form used by remote backends.
type KeyCodec[K comparable] interface {
	EncodeKey(key K) (string, error)
	DecodeKey(s string) (K, error)
}

// JSONKeyCodec encodes keys as JSON, which round-trips strings, numbers and
// structs of exported fields.
type JSONKeyCodec[K comparable] struct{}

// EncodeKey marshals key to JSON.
func (JSONKeyCodec[K]) EncodeKey(key K) (string, error) {
	b, err := json.Marshal(key)
	if err != nil {
		return "", fmt.Errorf("failed to encode key '%v': %w", key, err)
	}
	return string(b), nil
}

// DecodeKey unmarshals a key produced by EncodeKey.
func (JSONKeyCodec[K]) DecodeKey(s string) (K, error) {
	var key K
	if err := json.Unmarshal([]byte(s), &key); err != nil {
		return key, fmt.Errorf("failed to decode key %q: %w", s, err)
	}
	return key, nil
}

func encodeEntry[V any](value V, at time.Time) ([]byte, error) {
	b, err := json.Marshal(Entry[V]{Value: value, WrittenAt: at})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal entry: %w", err)
	}
	return b, nil
}

func decodeEntry[V any](data []byte) (Entry[V], error) {
	var e Entry[V]
	if err := json.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return e, nil
}
