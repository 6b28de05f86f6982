// Package publisher defines how round outcomes leave the process.
package publisher

import "context"

// Publisher sends payload to topic and returns a message ID.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Noop drops every message.
type Noop struct{}

// Publish implements Publisher.
func (Noop) Publish(context.Context, string, any) (string, error) {
	return "", nil
}
