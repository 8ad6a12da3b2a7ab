// Package ledger persists notification records and enforces their idempotency
// and status lifecycle.
package ledger

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("notification not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store is the delivery ledger.
type Store interface {
	// Create inserts rec unless a record with the same dedup key exists. The
	// check and the insert are atomic; a duplicate reports created=false
	// without error.
	Create(ctx context.Context, rec Record) (created bool, err error)

	// UpdateStatus moves a pending record to sent or failed. errorMessage is
	// stored only for failed.
	UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) error

	// FindByUser pages through a user's records newest first.
	FindByUser(ctx context.Context, userID string, limit, offset int) ([]Record, error)

	FindByID(ctx context.Context, id string) (Record, error)
	FindByDedupKey(ctx context.Context, key string) (Record, error)
	MarkAsRead(ctx context.Context, id string) (Record, error)

	// CountUnread counts the user's unread in-app records.
	CountUnread(ctx context.Context, userID string) (int64, error)

	Ping(ctx context.Context) error
}
