package cache

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig holds configuration for the Firestore client.
type FirestoreConfig struct {
	ProjectID       string
	CollectionName  string
	CredentialsFile string // Optional: Path to a service account JSON file.
}

// firestoreEntry is the document shape. The value is kept as JSON text so any
// V round-trips without Firestore's own type mapping.
type firestoreEntry struct {
	Key       string    `firestore:"key"`
	Value     string    `firestore:"value"`
	WrittenAt time.Time `firestore:"written_at"`
}

// FirestoreStore is a generic Store keeping one document per key in a
// Firestore collection. Document IDs are the URL-safe base64 of the encoded key.
type FirestoreStore[K comparable, V any] struct {
	client         *firestore.Client
	collectionName string
	codec          KeyCodec[K]
	now            func() time.Time
	logger         zerolog.Logger
}

// NewFirestoreClient creates a Firestore client, using Application Default
// Credentials unless a credentials file is configured.
func NewFirestoreClient(ctx context.Context, cfg *FirestoreConfig, logger zerolog.Logger, opts ...option.ClientOption) (*firestore.Client, error) {
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
		logger.Info().Str("credentials_file", cfg.CredentialsFile).Msg("Using specified credentials file for Firestore client.")
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("firestore.NewClient: %w", err)
	}
	return client, nil
}

// NewFirestoreStore creates a new generic FirestoreStore. The client's
// lifecycle is managed by the caller.
func NewFirestoreStore[K comparable, V any](
	cfg *FirestoreConfig,
	client *firestore.Client,
	codec KeyCodec[K],
	logger zerolog.Logger,
) (*FirestoreStore[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("firestore collection name cannot be empty")
	}
	if codec == nil {
		codec = JSONKeyCodec[K]{}
	}

	logger.Info().Str("project_id", cfg.ProjectID).Str("collection", cfg.CollectionName).Msg("FirestoreStore initialized.")

	return &FirestoreStore[K, V]{
		client:         client,
		collectionName: cfg.CollectionName,
		codec:          codec,
		now:            time.Now,
		logger:         logger.With().Str("component", "FirestoreStore").Logger(),
	}, nil
}

func (s *FirestoreStore[K, V]) doc(key K) (*firestore.DocumentRef, string, error) {
	encoded, err := s.codec.EncodeKey(key)
	if err != nil {
		return nil, "", err
	}
	id := base64.RawURLEncoding.EncodeToString([]byte(encoded))
	return s.client.Collection(s.collectionName).Doc(id), encoded, nil
}

func (s *FirestoreStore[K, V]) decode(snap *firestore.DocumentSnapshot) (Entry[V], error) {
	var doc firestoreEntry
	var e Entry[V]
	if err := snap.DataTo(&doc); err != nil {
		return e, fmt.Errorf("firestore DataTo for %s: %w", snap.Ref.ID, err)
	}
	if err := json.Unmarshal([]byte(doc.Value), &e.Value); err != nil {
		return e, fmt.Errorf("failed to unmarshal value for %s: %w", snap.Ref.ID, err)
	}
	e.WrittenAt = doc.WrittenAt
	return e, nil
}

func (s *FirestoreStore[K, V]) getEntry(ctx context.Context, key K) (Entry[V], bool, error) {
	var zero Entry[V]
	ref, encoded, err := s.doc(key)
	if err != nil {
		return zero, false, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return zero, false, nil
		}
		s.logger.Error().Err(err).Str("key", encoded).Msg("Failed to get document from Firestore.")
		return zero, false, fmt.Errorf("firestore get for %s: %w", encoded, err)
	}
	e, err := s.decode(snap)
	if err != nil {
		return zero, false, err
	}
	return e, true, nil
}

// Get retrieves a single document by its key.
func (s *FirestoreStore[K, V]) Get(ctx context.Context, key K) (V, bool, error) {
	e, ok, err := s.getEntry(ctx, key)
	return e.Value, ok, err
}

// Set writes the document inside a transaction so the previous value is read
// consistently with the write.
func (s *FirestoreStore[K, V]) Set(ctx context.Context, key K, value V) (V, bool, error) {
	var prev V
	var existed bool
	ref, encoded, err := s.doc(key)
	if err != nil {
		return prev, false, err
	}
	data, err := json.Marshal(value)
	if err != nil {
		return prev, false, fmt.Errorf("failed to marshal value for %s: %w", encoded, err)
	}
	entry := firestoreEntry{Key: encoded, Value: string(data), WrittenAt: s.now().UTC()}

	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existed = false
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			old, decodeErr := s.decode(snap)
			if decodeErr == nil {
				prev = old.Value
			}
			existed = true
		case status.Code(err) != codes.NotFound:
			return err
		}
		return tx.Set(ref, entry)
	})
	if err != nil {
		s.logger.Error().Err(err).Str("key", encoded).Msg("Failed to write document to Firestore.")
		return prev, false, fmt.Errorf("firestore set for %s: %w", encoded, err)
	}
	s.logger.Debug().Str("key", encoded).Msg("Successfully wrote data to Firestore.")
	return prev, existed, nil
}

// Delete removes the document for key and returns the value it held.
func (s *FirestoreStore[K, V]) Delete(ctx context.Context, key K) (V, bool, error) {
	var prev V
	var existed bool
	ref, encoded, err := s.doc(key)
	if err != nil {
		return prev, false, err
	}
	err = s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existed = false
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		}
		if old, decodeErr := s.decode(snap); decodeErr == nil {
			prev = old.Value
		}
		existed = true
		return tx.Delete(ref)
	})
	if err != nil {
		return prev, false, fmt.Errorf("firestore delete for %s: %w", encoded, err)
	}
	return prev, existed, nil
}

// Age reports the time since key was last written.
func (s *FirestoreStore[K, V]) Age(ctx context.Context, key K) (time.Duration, bool, error) {
	e, ok, err := s.getEntry(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	return s.now().Sub(e.WrittenAt), true, nil
}

// Keys lists the key of every document in the collection.
func (s *FirestoreStore[K, V]) Keys(ctx context.Context) ([]K, error) {
	var keys []K
	iter := s.client.Collection(s.collectionName).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("firestore list %s: %w", s.collectionName, err)
		}
		var doc firestoreEntry
		if err := snap.DataTo(&doc); err != nil {
			s.logger.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping unreadable document.")
			continue
		}
		key, err := s.codec.DecodeKey(doc.Key)
		if err != nil {
			s.logger.Warn().Err(err).Str("doc_id", snap.Ref.ID).Msg("Skipping undecodable key.")
			continue
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// Clear deletes every document in the collection.
func (s *FirestoreStore[K, V]) Clear(ctx context.Context) error {
	iter := s.client.Collection(s.collectionName).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("firestore list %s: %w", s.collectionName, err)
		}
		if _, err := snap.Ref.Delete(ctx); err != nil {
			return fmt.Errorf("firestore delete %s: %w", snap.Ref.ID, err)
		}
	}
}

// Close is a no-op as the Firestore client's lifecycle is managed externally.
func (s *FirestoreStore[K, V]) Close() error {
	s.logger.Info().Msg("FirestoreStore does not close the injected Firestore client.")
	return nil
}
