package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// KafkaPublisher produces messages keyed by position key, so the broker
// keeps per-position ordering within a partition.
type KafkaPublisher struct {
	client *kgo.Client
	logger *slog.Logger
}

// NewKafkaPublisher connects a producer to the brokers.
func NewKafkaPublisher(brokers []string, logger *slog.Logger) (*KafkaPublisher, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	return &KafkaPublisher{client: client, logger: logger.With("component", "kafka-publisher")}, nil
}

// Publish produces synchronously. Callers treat outbound publish failures as
// best-effort; the engine logs and moves on once the transaction committed.
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	rec := &kgo.Record{Topic: msg.Topic, Key: []byte(msg.Key), Value: msg.Value}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	p.client.Close()
	return nil
}

// KafkaConsumer is a consumer-group member with manual commits: a record is
// committed only after the handler returns nil, giving at-least-once
// delivery.
type KafkaConsumer struct {
	brokers []string
	group   string
	logger  *slog.Logger
	client  *kgo.Client
}

// NewKafkaConsumer prepares a consumer-group member. The client is opened in
// Run, where the topic list is known.
func NewKafkaConsumer(brokers []string, group string, logger *slog.Logger) *KafkaConsumer {
	return &KafkaConsumer{
		brokers: brokers,
		group:   group,
		logger:  logger.With("component", "kafka-consumer", "group", group),
	}
}

// Run polls fetches and feeds the handler until the context ends. A handler
// error leaves the record uncommitted, so the group redelivers it after
// rebalance or restart.
func (c *KafkaConsumer) Run(ctx context.Context, topics []string, h Handler) error {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(c.brokers...),
		kgo.ConsumerGroup(c.group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return fmt.Errorf("kafka consumer: %w", err)
	}
	c.client = client
	defer client.Close()

	for {
		fetches := client.PollFetches(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				c.logger.Error("fetch error", "topic", fe.Topic, "error", fe.Err)
			}
			continue
		}

		// Partitions are independent, so they process concurrently. Within a
		// partition, records run in order and a failure abandons the rest of
		// the batch — a commit can never cover an unprocessed record.
		var wg sync.WaitGroup
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			if len(p.Records) == 0 {
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				for _, rec := range p.Records {
					msg := Message{Topic: rec.Topic, Key: string(rec.Key), Value: rec.Value}
					if err := h(ctx, msg); err != nil {
						c.logger.Error("handler failed, leaving partition uncommitted",
							"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
						return
					}
					if err := client.CommitRecords(ctx, rec); err != nil {
						c.logger.Error("commit failed", "topic", rec.Topic, "error", err)
					}
				}
			}()
		})
		wg.Wait()
	}
}

func (c *KafkaConsumer) Close() error {
	if c.client != nil {
		c.client.Close()
	}
	return nil
}
