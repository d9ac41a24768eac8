package eventbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-querycache/pkg/observable"
	"github.com/illmade-knight/go-querycache/pkg/stream"
	"github.com/rs/zerolog"
)

// Message is the payload published for each change. Values are not carried;
// receivers re-fetch what they need.
type Message struct {
	EventID    string    `json:"event_id"`
	Kind       string    `json:"kind"`
	Key        string    `json:"key"`
	PublishKey string    `json:"publish_key"`
	At         time.Time `json:"at"`
}

// Attribute names set on every published message.
const (
	AttrKind       = "kind"
	AttrPublishKey = "publish_key"
)

// Bridge forwards every change event of a store to a Publisher.
type Bridge[K comparable, PK comparable, V any] struct {
	events    *stream.Subscription[observable.Event[K, PK, V]]
	publisher Publisher
	logger    zerolog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewBridge subscribes to store's change events. Events raised before Start
// are queued, not lost.
func NewBridge[K comparable, PK comparable, V any](
	store *observable.Store[K, PK, V],
	publisher Publisher,
	logger zerolog.Logger,
) (*Bridge[K, PK, V], error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	return &Bridge[K, PK, V]{
		events:    store.Events(),
		publisher: publisher,
		logger:    logger.With().Str("component", "EventBridge").Logger(),
		done:      make(chan struct{}),
	}, nil
}

// Start begins forwarding in the background until ctx ends or Stop is called.
func (b *Bridge[K, PK, V]) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		go b.run(ctx)
	})
}

func (b *Bridge[K, PK, V]) run(ctx context.Context) {
	defer close(b.done)
	b.logger.Info().Msg("Event bridge started.")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info().Msg("Event bridge context cancelled.")
			return
		case ev, ok := <-b.events.C():
			if !ok {
				b.logger.Info().Msg("Event stream closed.")
				return
			}
			b.forward(ctx, ev)
		}
	}
}

func (b *Bridge[K, PK, V]) forward(ctx context.Context, ev observable.Event[K, PK, V]) {
	msg := Encode(ev)
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error().Err(err).Str("key", msg.Key).Msg("Failed to encode change event.")
		return
	}
	attrs := map[string]string{
		AttrKind:       msg.Kind,
		AttrPublishKey: msg.PublishKey,
	}
	if err := b.publisher.Publish(ctx, payload, attrs); err != nil {
		b.logger.Error().Err(err).Str("event_id", msg.EventID).Msg("Failed to forward change event.")
	}
}

// Stop ends forwarding and flushes the publisher. Events still queued are dropped.
func (b *Bridge[K, PK, V]) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		b.events.Close()
		b.startOnce.Do(func() { close(b.done) })
		select {
		case <-b.done:
		case <-ctx.Done():
			err = ctx.Err()
			return
		}
		err = b.publisher.Stop(ctx)
	})
	return err
}

// Encode converts a change event to its wire message with a fresh event id.
func Encode[K comparable, PK comparable, V any](ev observable.Event[K, PK, V]) Message {
	return Message{
		EventID:    uuid.NewString(),
		Kind:       ev.Kind.String(),
		Key:        fmt.Sprint(ev.Key),
		PublishKey: fmt.Sprint(ev.PublishKey),
		At:         ev.At.UTC(),
	}
}
