// Package eventing carries small messages between processes that share the
// remote cache, with the trace context propagated in message headers.
package eventing

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// Message is one delivery on a subject.
type Message struct {
	Subject string
	Data    []byte
	Headers Headers
}

// Headers are string pairs sent alongside the data. They also carry the
// trace context between publisher and subscriber.
type Headers map[string]string

var _ propagation.TextMapCarrier = Headers(nil)

func (h Headers) Get(key string) string {
	return h[key]
}

func (h Headers) Set(key string, value string) {
	h[key] = value
}

func (h Headers) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}

// Handler is called once per delivered message. Handlers for one
// subscription run sequentially.
type Handler func(ctx context.Context, msg Message)

// Subscription is an active subscription to one subject.
type Subscription interface {
	Close() error
}

// Bus publishes and receives messages.
type Bus interface {
	// Publish sends data with headers to every current subscriber of subject.
	Publish(ctx context.Context, subject string, data []byte, headers Headers) error
	// Subscribe calls h for every message on subject. The subscription is
	// active when Subscribe returns.
	Subscribe(ctx context.Context, subject string, h Handler) (Subscription, error)
	// Close stops every subscription.
	Close() error
}

// Stats counts messages seen by a Bus.
type Stats struct {
	Published int64 `json:"published"`
	Delivered int64 `json:"delivered"`
	Dropped   int64 `json:"dropped"`
}
