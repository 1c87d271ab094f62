package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/wamiri/docproc/internal/domain"
)

// Handler processes one document job. A returned error leaves the
// record uncommitted so another worker can retry it.
type Handler func(ctx context.Context, payload domain.DocumentTaskPayload) error

// Consumer polls the document topic and dispatches records to a handler.
type Consumer struct {
	client  *kgo.Client
	topic   string
	handler Handler
}

// NewConsumer constructs a group consumer on the document topic.
func NewConsumer(brokers []string, groupID, topic string, handler Handler) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: missing group id")
	}
	if topic == "" {
		topic = DefaultTopic
	}

	kotelService := kotel.NewKotel(kotel.WithTracer(kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)))
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		kgo.WithHooks(kotelService.Hooks()...),
	)
	if err != nil {
		return nil, fmt.Errorf("op=redpanda.NewConsumer: %w", err)
	}
	return &Consumer{client: client, topic: topic, handler: handler}, nil
}

// Run polls until ctx is cancelled. Poll errors back off exponentially;
// records are committed only after the handler returns nil.
func (c *Consumer) Run(ctx context.Context) error {
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 0
	expo.MaxInterval = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if fe.Err == context.Canceled {
					return ctx.Err()
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Any("error", fe.Err))
			}
			wait := expo.NextBackOff()
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		expo.Reset()

		fetches.EachRecord(func(record *kgo.Record) {
			c.processRecord(ctx, record)
		})
	}
}

// processRecord decodes and handles one record, committing on success.
func (c *Consumer) processRecord(ctx context.Context, record *kgo.Record) {
	var payload domain.DocumentTaskPayload
	if err := json.Unmarshal(record.Value, &payload); err != nil {
		// Malformed records can never succeed; commit to skip.
		slog.Error("dropping malformed record",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
		c.commit(ctx, record)
		return
	}

	slog.Info("processing document job",
		slog.String("document_id", payload.DocumentID),
		slog.Int64("offset", record.Offset))
	if err := c.handler(ctx, payload); err != nil {
		slog.Error("document job failed, leaving uncommitted",
			slog.String("document_id", payload.DocumentID),
			slog.Any("error", err))
		return
	}
	c.commit(ctx, record)
}

func (c *Consumer) commit(ctx context.Context, record *kgo.Record) {
	if err := c.client.CommitRecords(ctx, record); err != nil {
		slog.Error("commit failed",
			slog.String("topic", record.Topic),
			slog.Int64("offset", record.Offset),
			slog.Any("error", err))
	}
}

// Close closes the underlying client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
