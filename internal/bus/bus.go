// Package bus abstracts the publish/subscribe transport nodes and the
// orchestrator communicate over.
//
// Topics are '/'-separated; subscription patterns may use '*' to match
// exactly one segment. Adapters translate this convention to the native one
// of the underlying broker:
//
//	Memory  in-process, used by tests and single-process deployments
//	NATS    '/' becomes '.', '*' is native
//	MQTT    '/' is native, '*' becomes '+'
//
// Delivery is at-least-once at best and ordered per topic only; consumers
// must tolerate duplicates.
package bus

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned by operations on a closed bus.
	ErrClosed = errors.New("bus closed")

	// ErrInvalidTopic is returned for empty topics, empty segments, or
	// wildcards in a publish topic.
	ErrInvalidTopic = errors.New("invalid topic")
)

// Handler receives one message. Handlers run on a transport goroutine and
// should hand work off rather than block.
type Handler func(topic string, payload []byte)

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	// Pattern returns the pattern this subscription was created with.
	Pattern() string

	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe() error
}

// Publisher is the single-call publish capability the reliable publisher wraps.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, topic string, payload []byte) error

// Publish calls f.
func (f PublisherFunc) Publish(ctx context.Context, topic string, payload []byte) error {
	return f(ctx, topic, payload)
}

// Subscriber registers handlers for topic patterns.
type Subscriber interface {
	Subscribe(pattern string, h Handler) (Subscription, error)
}

// PubSub is what the agent and the orchestrator need from a transport.
type PubSub interface {
	Publisher
	Subscriber
}

// Bus is the full transport boundary.
type Bus interface {
	PubSub
	Close() error
}
