package bus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Publisher/Consumer pair for tests and dry-run
// mode. Each topic is a buffered channel; per-topic FIFO order stands in for
// Kafka's per-partition ordering, which is enough because the engine funnels
// each position key to one worker anyway.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string]chan Message
	buf    int
	closed bool
}

// NewMemoryBus creates a bus whose topic channels hold buf messages.
func NewMemoryBus(buf int) *MemoryBus {
	if buf <= 0 {
		buf = 256
	}
	return &MemoryBus{topics: make(map[string]chan Message), buf: buf}
}

func (b *MemoryBus) channel(topic string) chan Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.topics[topic]
	if !ok {
		ch = make(chan Message, b.buf)
		b.topics[topic] = ch
	}
	return ch
}

// Publish enqueues the message, blocking when the topic buffer is full.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	select {
	case b.channel(msg.Topic) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run delivers messages from all topics to the handler until the context
// ends. Handler errors are swallowed after the handler returns: the memory
// bus has no redelivery, so the idempotency registry is the only guard —
// same as a committed-then-crashed Kafka consumer.
func (b *MemoryBus) Run(ctx context.Context, topics []string, h Handler) error {
	var wg sync.WaitGroup
	for _, topic := range topics {
		ch := b.channel(topic)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case msg := <-ch:
					_ = h(ctx, msg)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// Drain returns and removes everything currently queued on a topic. Test
// helper.
func (b *MemoryBus) Drain(topic string) []Message {
	ch := b.channel(topic)
	var out []Message
	for {
		select {
		case msg := <-ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
