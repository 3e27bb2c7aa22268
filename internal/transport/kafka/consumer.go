package kafka

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
)

// MessageSource is the pull side of a consumer group. *kafkago.Reader satisfies it.
type MessageSource interface {
	FetchMessage(ctx context.Context) (kafkago.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Handler processes one message. Returning nil or an error wrapping ErrMalformed
// commits the message; any other error leaves it uncommitted and redelivers it.
type Handler interface {
	HandleMessage(ctx context.Context, msg kafkago.Message) error
}

type HandlerFunc func(ctx context.Context, msg kafkago.Message) error

func (f HandlerFunc) HandleMessage(ctx context.Context, msg kafkago.Message) error {
	return f(ctx, msg)
}

// ErrMalformed marks a message that can never be processed.
var ErrMalformed = errors.New("malformed message")

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Message outcomes reported to MessageMetrics.
const (
	OutcomeHandled   = "handled"
	OutcomeMalformed = "malformed"
	OutcomeRetried   = "retried"
)

type MessageMetrics interface {
	ObserveMessage(topic, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) ObserveMessage(string, string) {}

// Consumer runs the fetch, handle, commit loop for one source.
type Consumer struct {
	name       string
	source     MessageSource
	handler    Handler
	logger     *zap.Logger
	metrics    MessageMetrics
	retryFirst time.Duration
	retryMax   time.Duration
}

type ConsumerOption func(*Consumer)

func WithMessageMetrics(m MessageMetrics) ConsumerOption {
	return func(c *Consumer) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRedeliveryBackoff bounds the pause between attempts at a failing message.
func WithRedeliveryBackoff(initial, max time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if initial > 0 {
			c.retryFirst = initial
		}
		if max > 0 {
			c.retryMax = max
		}
	}
}

func NewConsumer(name string, source MessageSource, handler Handler, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Consumer{
		name:       name,
		source:     source,
		handler:    handler,
		logger:     logger.With(zap.String("consumer", name)),
		metrics:    noopMetrics{},
		retryFirst: 200 * time.Millisecond,
		retryMax:   10 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is done. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.logger.Info("consumer stopped")

	for {
		msg, err := c.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// process handles msg until it is committed, backing off between failed attempts.
func (c *Consumer) process(ctx context.Context, msg kafkago.Message) error {
	fields := []zap.Field{
		zap.String("topic", msg.Topic),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryFirst
	b.MaxInterval = c.retryMax
	b.MaxElapsedTime = 0
	b.Reset()

	err := backoff.RetryNotify(func() error {
		msgCtx := extractTraceContext(ctx, msg.Headers)
		err := c.handler.HandleMessage(msgCtx, msg)
		switch {
		case err == nil:
			c.metrics.ObserveMessage(msg.Topic, OutcomeHandled)
			return nil
		case errors.Is(err, ErrMalformed):
			c.metrics.ObserveMessage(msg.Topic, OutcomeMalformed)
			c.logger.Warn("dropping malformed message", append(fields, zap.Error(err))...)
			return nil
		default:
			c.metrics.ObserveMessage(msg.Topic, OutcomeRetried)
			return err
		}
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		c.logger.Warn("message not handled, retrying", append(fields, zap.Duration("wait", wait), zap.Error(err))...)
	})
	if err != nil {
		return err
	}

	if err := c.source.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit message: %w", err)
	}
	return nil
}

// extractTraceContext continues the producer's trace from W3C headers.
func extractTraceContext(ctx context.Context, headers []kafkago.Header) context.Context {
	carrier := propagation.MapCarrier{}
	for _, h := range headers {
		carrier[h.Key] = string(h.Value)
	}
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// NewReader builds a consumer group reader with manual commits.
func NewReader(brokers []string, groupID, topic string) *kafkago.Reader {
	return kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
		StartOffset:    kafkago.FirstOffset,
	})
}
