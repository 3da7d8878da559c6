package domain

import (
	"context"
)

// EventBus fans out admission decisions and anomaly findings. Community
// tier uses Go channels in-process; pro tier uses NATS so the findings
// registries of multiple nodes converge.
type EventBus interface {
	// Publish sends a message to a topic scoped by merchant.
	Publish(ctx context.Context, merchantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, merchantID string, topic string, handler MessageHandler) (Subscription, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is one event on the bus.
type Message struct {
	ID         string            `json:"id"`
	MerchantID string            `json:"merchantId"`
	Topic      string            `json:"topic"`
	Payload    []byte            `json:"payload"`
	Metadata   map[string]string `json:"metadata"`
	Timestamp  int64             `json:"timestamp"`
}

// Subscription is an active subscription.
type Subscription interface {
	// Unsubscribe stops receiving messages.
	Unsubscribe() error

	// Topic returns the subscribed topic.
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string

	// Channel settings
	ChannelBufferSize int

	// NATS settings
	NATSUrl           string
	NATSToken         string
	NATSMaxReconnects int
	NATSReconnectWait int // seconds
}

// Standard topic names.
const (
	TopicDecision       = "talon.admission.decision"
	TopicFindingRaised  = "talon.anomaly.finding"
	TopicFindingCleared = "talon.anomaly.cleared"
)
