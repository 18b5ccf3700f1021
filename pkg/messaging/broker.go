package messaging

import (
	"context"
)

// Broker publishes push events for consumers outside the portal.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Message is the envelope written to the broker channel.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}
