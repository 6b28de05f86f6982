// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// Publisher publishes JSON payloads through one Pub/Sub client. Topic
// handles are created lazily and reused.
type Publisher struct {
	client       *pubsub.Client
	defaultTopic string
	logger       *zap.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// New wraps an existing client. defaultTopic is used when Publish is called
// with an empty topic.
func New(client *pubsub.Client, defaultTopic string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		client:       client,
		defaultTopic: defaultTopic,
		logger:       logger,
		topics:       make(map[string]*pubsub.Topic),
	}
}

// Dial creates a client for projectID using Application Default Credentials
// and checks that defaultTopic exists.
func Dial(ctx context.Context, projectID, defaultTopic string, logger *zap.Logger) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	exists, err := client.Topic(defaultTopic).Exists(ctx)
	if err != nil || !exists {
		if closeErr := client.Close(); closeErr != nil && logger != nil {
			logger.Warn("failed to close pubsub client", zap.Error(closeErr))
		}
		if err != nil {
			return nil, fmt.Errorf("check pubsub topic %q: %w", defaultTopic, err)
		}
		return nil, fmt.Errorf("pubsub topic %q does not exist in project %q", defaultTopic, projectID)
	}
	return New(client, defaultTopic, logger), nil
}

// Publish marshals payload to JSON and waits for the server to accept it.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	if topic == "" {
		topic = p.defaultTopic
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	result := p.topic(topic).Publish(ctx, &pubsub.Message{Data: data})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("published message", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

func (p *Publisher) topic(name string) *pubsub.Topic {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.client.Topic(name)
		p.topics[name] = t
	}
	return t
}

// Close flushes pending publishes and closes the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	for _, t := range p.topics {
		t.Stop()
	}
	p.topics = map[string]*pubsub.Topic{}
	p.mu.Unlock()
	if p.client == nil {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
