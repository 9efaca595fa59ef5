package kafka

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/apperror"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Dead letter reasons
const (
	ReasonMalformed      = "malformed_message"
	ReasonInvalidEvent   = "invalid_event"
	ReasonDuplicateChain = "duplicate_chain"
)

// MessageHandler processes incoming Kafka messages
type MessageHandler func(ctx context.Context, msg *IncomingMessage) error

// Ingester is the part of the ingestion service the consumer drives
type Ingester interface {
	Ingest(ctx context.Context, event models.IngestionEvent) (*models.IngestionAck, error)
}

// DeadLetterer stores events that failed permanently
type DeadLetterer interface {
	Add(ctx context.Context, entry *redis.DLQEntry) (string, error)
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer handles Kafka message consumption
type Consumer struct {
	reader     messageReader
	topic      string
	logger     ectologger.Logger
	handler    MessageHandler
	dlq        DeadLetterer
	newBackOff func() backoff.BackOff
	wg         sync.WaitGroup
	cancel     context.CancelFunc
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg config.Config, logger ectologger.Logger, handler MessageHandler) *Consumer {
	return NewConsumerWithConfig(ConsumerConfig{
		Brokers:       cfg.KafkaBrokers,
		Topic:         cfg.KafkaInputTopic,
		ConsumerGroup: cfg.KafkaConsumerGroup,
	}, logger, handler)
}

// ConsumerConfig holds Kafka consumer configuration
type ConsumerConfig struct {
	Brokers       []string
	Topic         string
	ConsumerGroup string
}

// NewConsumerWithConfig creates a new Kafka consumer with explicit config
func NewConsumerWithConfig(cfg ConsumerConfig, logger ectologger.Logger, handler MessageHandler) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.ConsumerGroup,
		MinBytes:       10e3, // 10KB
		MaxBytes:       10e6, // 10MB
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: time.Second,
	})

	return &Consumer{
		reader:     reader,
		topic:      cfg.Topic,
		logger:     logger,
		handler:    handler,
		newBackOff: retryBackOff,
	}
}

// retryBackOff spaces out attempts on a message that keeps failing transiently
func retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	return b
}

// SetDeadLetterQueue routes permanent failures to dlq. Without one they are logged and committed.
func (c *Consumer) SetDeadLetterQueue(dlq DeadLetterer) {
	c.dlq = dlq
}

// IngestionHandler feeds parsed events to the ingestion service
func IngestionHandler(ingester Ingester) MessageHandler {
	return func(ctx context.Context, msg *IncomingMessage) error {
		_, err := ingester.Ingest(ctx, *msg.Event)
		return err
	}
}

// Start begins consuming messages
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.consumeLoop(ctx)

	c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic": c.topic,
	}).Info("Kafka consumer started")
	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	return c.reader.Close()
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			c.logger.WithContext(ctx).Info("Consumer loop stopping")
			return
		default:
			msg, err := c.reader.FetchMessage(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
					return
				}
				c.logger.WithContext(ctx).WithError(err).Error("Failed to fetch message")
				continue
			}

			c.processMessage(ctx, msg)
		}
	}
}

// processMessage commits successes and permanent failures. A transient failure is retried in place
// until it clears or ctx ends: the reader has already moved past msg, so committing anything after it
// on this partition would skip it.
func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message) {
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}

	incoming := &IncomingMessage{
		Key:         string(msg.Key),
		Value:       msg.Value,
		Headers:     headers,
		Partition:   msg.Partition,
		Offset:      msg.Offset,
		Timestamp:   msg.Time,
		Topic:       msg.Topic,
		TraceParent: headers[HeaderTraceParent],
		TraceState:  headers[HeaderTraceState],
	}

	ctx = tracing.ContextWithRemoteParent(ctx, incoming.TraceParent, incoming.TraceState)
	ctx, span := tracing.StartSpan(ctx, "kafka.Consumer.processMessage")
	defer span.End()

	log := c.logger.WithContext(ctx).WithFields(map[string]any{
		"topic":     msg.Topic,
		"partition": msg.Partition,
		"offset":    msg.Offset,
	})

	parseErr := incoming.ParseIngestionEvent()
	retry := c.newBackOff()
	for attempt := 1; !c.attempt(ctx, incoming, parseErr, log); attempt++ {
		wait := retry.NextBackOff()
		log.WithFields(map[string]any{"attempt": attempt, "retry_in": wait.String()}).Warn("Retrying message")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Warn("Consumer stopping with message uncommitted")
			return
		case <-timer.C:
		}
	}

	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		log.WithError(err).Error("Failed to commit message")
	}
}

// attempt reports whether the message is finished with, either handled or dead lettered
func (c *Consumer) attempt(ctx context.Context, incoming *IncomingMessage, parseErr error, log ectologger.Logger) bool {
	err := parseErr
	if err == nil {
		err = c.handler(ctx, incoming)
	}
	if err == nil {
		return true
	}

	reason, permanent := classify(err)
	if !permanent {
		log.WithError(err).Error("Failed to process message")
		return false
	}
	return c.deadLetter(ctx, incoming, reason, err)
}

// deadLetter reports whether the message may be committed
func (c *Consumer) deadLetter(ctx context.Context, msg *IncomingMessage, reason string, cause error) bool {
	source := msg.GetSource()
	log := c.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"source": source,
		"reason": reason,
		"offset": msg.Offset,
	})
	metrics.RecordDLQEvent(source, reason)

	if c.dlq == nil {
		log.Warn("Dropping permanently failed message")
		return true
	}

	entry := &redis.DLQEntry{
		Reason:       reason,
		ErrorMessage: cause.Error(),
	}
	if msg.Event != nil {
		entry.Event = *msg.Event
	} else {
		entry.Event.Source = source
		entry.Raw = string(msg.Value)
	}
	if _, err := c.dlq.Add(ctx, entry); err != nil {
		log.WithError(err).Error("Failed to dead letter message")
		return false
	}
	return true
}

// classify reports whether redelivering err could ever succeed
func classify(err error) (string, bool) {
	if errors.Is(err, ErrMalformedMessage) {
		return ReasonMalformed, true
	}
	if apperror.IsValidation(err) {
		return ReasonInvalidEvent, true
	}
	var conflict *apperror.ConflictError
	if errors.As(err, &conflict) && conflict.Reason == apperror.ConflictDuplicateChain {
		return ReasonDuplicateChain, true
	}
	return "", false
}

// Health returns the consumer health status
func (c *Consumer) Health() bool {
	return c.reader != nil
}
