package ledger

import (
	"time"

	"github.com/example/notification-dispatch/internal/events"
)

type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelInApp Channel = "in_app"
)

// Channels is the fixed fan-out order of a dispatch.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelInApp}

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// CanTransition reports whether a record in status from may move to to.
// Only pending records move, and only to a terminal status.
func CanTransition(from, to Status) bool {
	return from == StatusPending && (to == StatusSent || to == StatusFailed)
}

// Record is one (dispatch, channel) delivery unit.
type Record struct {
	ID           string          `json:"id" bson:"_id"`
	UserID       string          `json:"userId" bson:"user_id"`
	Event        events.Event    `json:"event" bson:"event"`
	Channel      Channel         `json:"channel" bson:"channel"`
	Class        events.Class    `json:"class" bson:"class"`
	Title        string          `json:"title" bson:"title"`
	Message      string          `json:"message" bson:"message"`
	Priority     events.Priority `json:"priority" bson:"priority"`
	Status       Status          `json:"status" bson:"status"`
	IsRead       bool            `json:"isRead" bson:"is_read"`
	DedupKey     string          `json:"dedupKey" bson:"dedup_key"`
	Metadata     map[string]any  `json:"metadata,omitempty" bson:"metadata,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty" bson:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"createdAt" bson:"created_at"`
	SentAt       *time.Time      `json:"sentAt,omitempty" bson:"sent_at,omitempty"`
	ReadAt       *time.Time      `json:"readAt,omitempty" bson:"read_at,omitempty"`
}

// newer orders records newest first, breaking createdAt ties by id.
func newer(a, b Record) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// Now is the ledger clock. Timestamps are kept at millisecond precision, the
// resolution of the document store.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
