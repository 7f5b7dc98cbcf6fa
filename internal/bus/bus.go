// Package bus abstracts the message streams the engine rides on.
//
// Inbound topics (trades, backdated-trades) are partitioned by position key
// so that every trade of a position is handled by a single worker in arrival
// order. Delivery is at-least-once; the idempotency registry makes the
// handlers safe against redelivery. Two implementations exist: a Kafka
// binding (franz-go) and an in-process bus for tests and dry-run mode.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
)

// Message is one unit on a stream. Key carries the position key so the
// transport can partition by it.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Publisher emits messages. Publish must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// Handler processes one delivered message. Returning an error leaves the
// message uncommitted for redelivery.
type Handler func(ctx context.Context, msg Message) error

// Consumer drives a handler over one or more topics until the context ends.
type Consumer interface {
	Run(ctx context.Context, topics []string, h Handler) error
	Close() error
}

// PublishJSON marshals v and publishes it under the given topic and key.
func PublishJSON(ctx context.Context, p Publisher, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return p.Publish(ctx, Message{Topic: topic, Key: key, Value: data})
}
