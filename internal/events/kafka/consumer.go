package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"tally/internal/events"
	"tally/internal/log"
)

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads accepted events from a topic as part of a consumer group.
// Offsets are committed only after the handler succeeds.
type Consumer struct {
	config    kafka.ReaderConfig
	newReader func(kafka.ReaderConfig) messageReader
	logger    *log.Logger

	mu     sync.Mutex
	reader messageReader
}

var _ events.Consumer = (*Consumer)(nil)

func NewConsumer(brokers []string, topic, groupID string, logger *log.Logger) *Consumer {
	if logger == nil {
		logger = log.Default()
	}
	c := &Consumer{
		config: kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       1 << 20,
			MaxWait:        time.Second,
			CommitInterval: 0,
		},
		newReader: func(cfg kafka.ReaderConfig) messageReader { return kafka.NewReader(cfg) },
		logger:    logger.WithComponent(log.ComponentKafka),
	}
	c.reader = c.newReader(c.config)
	return c
}

func (c *Consumer) current() messageReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

// ConsumeAccepted hands each accepted event to handler. When the handler
// fails the loop stops without committing; call Reconnect before consuming
// again so the group redelivers from the last committed offset.
func (c *Consumer) ConsumeAccepted(ctx context.Context, handler events.Handler) error {
	reader := c.current()
	c.logger.InfoContext(ctx, "Started consuming submission events", "topic", c.config.Topic)
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("fetch kafka message: %w", err)
		}

		if !isAccepted(msg) {
			c.logger.DebugContext(ctx, "Skipping message of another type", "offset", msg.Offset)
		} else if err := c.handle(ctx, msg, handler); err != nil {
			return err
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			return fmt.Errorf("commit kafka offset: %w", err)
		}
	}
}

// Reconnect replaces the reader. A fresh group member starts at the last
// committed offset, so an event whose handler failed is fetched again.
func (c *Consumer) Reconnect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.reader.Close(); err != nil {
		c.logger.WarnContext(ctx, "Failed to close kafka reader", log.FieldError, err)
	}
	c.reader = c.newReader(c.config)
	c.logger.InfoContext(ctx, "Recreated kafka reader", "topic", c.config.Topic, "group", c.config.GroupID)
	return nil
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handler events.Handler) error {
	ev, err := events.UnmarshalSubmissionAccepted(msg.Value)
	if err != nil {
		c.logger.ErrorContext(ctx, "Failed to decode message",
			log.FieldError, err,
			"partition", msg.Partition,
			"offset", msg.Offset)
		return nil
	}
	if err := handler(ctx, ev); err != nil {
		return fmt.Errorf("handle event %s: %w", ev.EventID, err)
	}
	return nil
}

func isAccepted(msg kafka.Message) bool {
	for _, h := range msg.Headers {
		if h.Key == "type" {
			return string(h.Value) == events.TypeSubmissionAccepted
		}
	}
	return true
}

func (c *Consumer) Close() error {
	return c.current().Close()
}
