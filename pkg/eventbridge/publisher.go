// Package eventbridge forwards observable store change events to Google
// Pub/Sub so that other processes can invalidate their own caches.
package eventbridge

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/rs/zerolog"
)

// Publisher sends one message at a time.
type Publisher interface {
	Publish(ctx context.Context, payload []byte, attributes map[string]string) error
	// Stop flushes any pending messages.
	Stop(ctx context.Context) error
}

// PublisherConfig names the topic change events are sent to.
type PublisherConfig struct {
	TopicID string
	// ResultTimeout bounds how long the background result check waits.
	ResultTimeout time.Duration
}

// NewPublisherDefaults returns a config for topicID with a 30 second result timeout.
func NewPublisherDefaults(topicID string) PublisherConfig {
	return PublisherConfig{TopicID: topicID, ResultTimeout: 30 * time.Second}
}

// GooglePublisher publishes directly to a Pub/Sub topic.
type GooglePublisher struct {
	topic   *pubsub.Topic
	timeout time.Duration
	logger  zerolog.Logger
}

// NewGooglePublisher checks that the topic exists before returning.
func NewGooglePublisher(ctx context.Context, cfg PublisherConfig, client *pubsub.Client, logger zerolog.Logger) (*GooglePublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil")
	}
	if cfg.TopicID == "" {
		return nil, fmt.Errorf("topic id cannot be empty")
	}
	topic := client.Topic(cfg.TopicID)

	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", cfg.TopicID, err)
	}
	if !exists {
		return nil, fmt.Errorf("pubsub topic %s does not exist", cfg.TopicID)
	}

	timeout := cfg.ResultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GooglePublisher{
		topic:   topic,
		timeout: timeout,
		logger:  logger.With().Str("component", "GooglePublisher").Str("topic_id", cfg.TopicID).Logger(),
	}, nil
}

// Publish queues the message and returns. The outcome is logged once the
// server acknowledges or rejects it.
func (p *GooglePublisher) Publish(ctx context.Context, payload []byte, attributes map[string]string) error {
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       payload,
		Attributes: attributes,
	})

	go func() {
		getCtx, cancel := context.WithTimeout(context.Background(), p.timeout)
		defer cancel()

		msgID, err := result.Get(getCtx)
		if err != nil {
			p.logger.Error().Err(err).Msg("Failed to publish change event.")
			return
		}
		p.logger.Debug().Str("message_id", msgID).Msg("Change event published.")
	}()

	return nil
}

// Stop flushes pending messages, giving up when ctx ends.
func (p *GooglePublisher) Stop(ctx context.Context) error {
	p.logger.Info().Msg("Stopping publisher and flushing messages.")
	done := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info().Msg("Publisher stopped.")
		return nil
	case <-ctx.Done():
		p.logger.Error().Err(ctx.Err()).Msg("Timed out waiting for publisher to stop.")
		return ctx.Err()
	}
}
