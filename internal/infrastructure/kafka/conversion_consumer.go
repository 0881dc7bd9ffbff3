package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fastygo/attribution/domain"
)

// ConversionHandler processes one conversion event.
type ConversionHandler func(ctx context.Context, event domain.ConversionEvent) error

// ConversionConsumer reads conversion events delivered at least once and
// commits an offset only after the handler settled the event.
type ConversionConsumer struct {
	reader  *kafka.Reader
	handle  ConversionHandler
	timeout time.Duration
	backoff time.Duration
	logger  *zap.Logger
}

func NewConversionConsumer(brokers []string, groupID, topic string, handle ConversionHandler, timeout time.Duration, logger *zap.Logger) (*ConversionConsumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka consumer requires at least one broker")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer requires group id")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka consumer requires a topic")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
	return &ConversionConsumer{
		reader:  reader,
		handle:  handle,
		timeout: timeout,
		backoff: time.Second,
		logger:  logger,
	}, nil
}

// Run consumes until ctx is cancelled.
func (c *ConversionConsumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		if err := c.settle(ctx, msg); err != nil {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Warn("commit conversion offset", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

// settle retries retryable failures until the event is handled or ctx ends.
// Events that can never succeed are logged and skipped.
func (c *ConversionConsumer) settle(ctx context.Context, msg kafka.Message) error {
	var event domain.ConversionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		c.logger.Error("undecodable conversion event", zap.Int64("offset", msg.Offset), zap.Error(err))
		return nil
	}

	for attempt := 1; ; attempt++ {
		handleCtx, cancel := context.WithTimeout(ctx, c.timeout)
		err := c.handle(handleCtx, event)
		cancel()
		if err == nil {
			return nil
		}
		if !domain.IsRetryable(err) {
			c.logger.Error("conversion event rejected",
				zap.String("conversion_id", event.ConversionID),
				zap.Error(err))
			return nil
		}
		c.logger.Warn("conversion event retry",
			zap.String("conversion_id", event.ConversionID),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

func (c *ConversionConsumer) Close() error {
	return c.reader.Close()
}
