// Package pubsub provides a Google Cloud Pub/Sub backed submission queue so
// orchestrators can run on separate nodes from the API.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/feedmill/ingestd/internal/ingest"
)

// Config identifies the topic and subscription carrying submissions.
type Config struct {
	ProjectID      string
	TopicID        string
	SubscriptionID string
}

// Queue publishes submissions to a topic and pulls them from a subscription.
// Pub/Sub delivers at-least-once; the per-document lock taken at submission
// time makes duplicate deliveries harmless.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	recvOnce sync.Once
	items    chan ingest.Submission
}

// NewQueue creates a Pub/Sub client and verifies topic and subscription.
func NewQueue(ctx context.Context, cfg Config, logger *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.TopicID == "" || cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("pubsub project, topic and subscription are required")
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("check topic %q: %w", cfg.TopicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", cfg.TopicID, cfg.ProjectID)
	}
	return &Queue{
		client: client,
		topic:  topic,
		sub:    client.Subscription(cfg.SubscriptionID),
		logger: logger,
		items:  make(chan ingest.Submission),
	}, nil
}

// Enqueue publishes the submission and waits for the server ack.
func (q *Queue) Enqueue(ctx context.Context, sub ingest.Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("marshal submission: %w", err)
	}
	result := q.topic.Publish(ctx, &pubsub.Message{Data: data})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("publish submission: %w", err)
	}
	return nil
}

// Dequeue returns the next submission. The receive loop starts on first use
// and runs until the context finishes.
func (q *Queue) Dequeue(ctx context.Context) (ingest.Submission, error) {
	q.recvOnce.Do(func() {
		go q.receive(ctx)
	})
	select {
	case <-ctx.Done():
		return ingest.Submission{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case sub := <-q.items:
		return sub, nil
	}
}

func (q *Queue) receive(ctx context.Context) {
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var sub ingest.Submission
		if err := json.Unmarshal(msg.Data, &sub); err != nil {
			q.logger.Error("malformed submission message dropped", zap.Error(err))
			msg.Ack()
			return
		}
		select {
		case q.items <- sub:
			msg.Ack()
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && ctx.Err() == nil {
		q.logger.Error("pubsub receive stopped", zap.Error(err))
	}
}

// Close stops the publisher and closes the client connection.
func (q *Queue) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
