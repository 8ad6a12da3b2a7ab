package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/example/notification-dispatch/internal/directory"
	"github.com/example/notification-dispatch/internal/events"
)

// InboundEvent is the application event read from the events topic.
type InboundEvent struct {
	UserID         string         `json:"user_id"`
	Event          string         `json:"event"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// MessageReader is satisfied by *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) (Result, error)
}

// Consumer feeds application events from Kafka into a Dispatcher. Messages
// that can never succeed are copied to DeadLetter when set and committed;
// ledger failures stop the loop without committing so the message is read
// again.
type Consumer struct {
	ReaderFactory func() MessageReader
	Dispatcher    Dispatcher
	DeadLetter    MessageWriter
	Logger        zerolog.Logger
}

func (c *Consumer) Run(ctx context.Context) error {
	if c.ReaderFactory == nil || c.Dispatcher == nil {
		return errors.New("consumer requires a reader factory and a dispatcher")
	}
	reader := c.ReaderFactory()
	defer reader.Close()

	tracer := otel.Tracer("dispatcher")

	for {
		m, err := reader.FetchMessage(ctx)
		if err != nil {
			return fmt.Errorf("fetch message: %w", err)
		}

		req, err := decodeInbound(m)
		if err != nil {
			c.Logger.Error().Err(err).Int64("offset", m.Offset).Msg("undecodable event, sending to DLQ")
			if err := c.deadLetter(ctx, m, err); err != nil {
				return err
			}
			if err := reader.CommitMessages(ctx, m); err != nil {
				return fmt.Errorf("commit message: %w", err)
			}
			continue
		}

		spanCtx, span := tracer.Start(ctx, "consume")
		span.SetAttributes(
			attribute.String("event", string(req.Event)),
			attribute.Int64("kafka.offset", m.Offset),
		)
		_, err = c.Dispatcher.Dispatch(spanCtx, req)
		switch {
		case err == nil:
		case permanent(err):
			c.Logger.Warn().Err(err).Str("user_id", req.UserID).Str("event", string(req.Event)).Msg("event rejected, sending to DLQ")
			if err := c.deadLetter(spanCtx, m, err); err != nil {
				span.RecordError(err)
				span.End()
				return err
			}
		default:
			span.RecordError(err)
			span.End()
			return fmt.Errorf("dispatch event: %w", err)
		}
		span.End()

		if err := reader.CommitMessages(ctx, m); err != nil {
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

// deadLetter copies m to the DeadLetter writer with the rejection reason in an
// "error" header.
func (c *Consumer) deadLetter(ctx context.Context, m kafka.Message, reason error) error {
	if c.DeadLetter == nil {
		return nil
	}
	headers := append([]kafka.Header{}, m.Headers...)
	headers = append(headers,
		kafka.Header{Key: "error", Value: []byte(reason.Error())},
		kafka.Header{Key: "source", Value: []byte(fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset))},
	)
	err := c.DeadLetter.WriteMessages(ctx, kafka.Message{Key: m.Key, Value: m.Value, Headers: headers})
	if err != nil {
		return fmt.Errorf("write dlq message: %w", err)
	}
	return nil
}

// decodeInbound turns a Kafka message into a dispatch request. Without an
// explicit idempotency key the message coordinates are used, so a redelivered
// message maps onto the records it already produced.
func decodeInbound(m kafka.Message) (Request, error) {
	var in InboundEvent
	if err := json.Unmarshal(m.Value, &in); err != nil {
		return Request{}, fmt.Errorf("decode event: %w", err)
	}
	if in.UserID == "" {
		return Request{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	e, err := events.Parse(in.Event)
	if err != nil {
		return Request{}, err
	}
	key := in.IdempotencyKey
	if key == "" {
		key = fmt.Sprintf("%s-%d-%d", m.Topic, m.Partition, m.Offset)
	}
	return Request{UserID: in.UserID, Event: e, Payload: in.Payload, IdempotencyKey: key}, nil
}

func permanent(err error) bool {
	return errors.Is(err, events.ErrUnknownEvent) ||
		errors.Is(err, directory.ErrUserNotFound) ||
		errors.Is(err, ErrInvalidRequest)
}
