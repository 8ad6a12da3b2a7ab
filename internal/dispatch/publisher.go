package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// StatusEvent is emitted once a record reaches a terminal status.
type StatusEvent struct {
	NotificationID string    `json:"notification_id"`
	UserID         string    `json:"user_id"`
	Event          string    `json:"event"`
	Channel        string    `json:"channel"`
	Status         string    `json:"status"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	EmittedAt      time.Time `json:"emitted_at"`
}

type StatusPublisher interface {
	Publish(ctx context.Context, evt StatusEvent) error
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaPublisher writes status events keyed by notification id so that all
// events of one record land on the same partition.
type KafkaPublisher struct {
	Writer MessageWriter
}

func (p *KafkaPublisher) Publish(ctx context.Context, evt StatusEvent) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal status event: %w", err)
	}
	return p.Writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(evt.NotificationID),
		Value: payload,
	})
}
