package ledger

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/notification-dispatch/internal/events"
)

//go:embed schema.sql
var schema string

const recordColumns = `id, user_id, event, channel, class, title, message, priority, status,
is_read, dedup_key, metadata_json, error_message, created_at, sent_at, read_at`

const insertRecord = `
INSERT INTO notifications (` + recordColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
ON CONFLICT (dedup_key) DO NOTHING
`

const updateStatus = `
UPDATE notifications
SET status = $2,
    sent_at = CASE WHEN $2 = 'sent' THEN $3::timestamptz ELSE sent_at END,
    error_message = CASE WHEN $2 = 'failed' AND $4 <> '' THEN $4 ELSE error_message END
WHERE id = $1 AND status = 'pending'
`

const selectByUser = `
SELECT ` + recordColumns + `
FROM notifications
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`

const selectByUserAfter = `
SELECT ` + recordColumns + `
FROM notifications
WHERE user_id = $1 AND (created_at, id) < ($2::timestamptz, $3::text)
ORDER BY created_at DESC, id DESC
LIMIT $4
`

const selectAnchor = `
SELECT created_at, id
FROM notifications
WHERE user_id = $1
ORDER BY created_at DESC, id DESC
LIMIT $2
`

const markRead = `
UPDATE notifications SET is_read = TRUE, read_at = $2
WHERE id = $1
RETURNING ` + recordColumns

const countUnread = `
SELECT count(*) FROM notifications
WHERE user_id = $1 AND channel = 'in_app' AND is_read = FALSE
`

var ErrNotConfigured = errors.New("postgres ledger requires a non-nil pool")

// PostgresStore is a relational Store; the unique dedup_key constraint makes
// Create an atomic create-if-absent.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, ErrNotConfigured
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate ledger: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) (bool, error) {
	var metadata []byte
	if rec.Metadata != nil {
		b, err := json.Marshal(rec.Metadata)
		if err != nil {
			return false, fmt.Errorf("marshal metadata: %w", err)
		}
		metadata = b
	}

	tag, err := s.pool.Exec(ctx, insertRecord,
		rec.ID,
		rec.UserID,
		string(rec.Event),
		string(rec.Channel),
		string(rec.Class),
		rec.Title,
		rec.Message,
		string(rec.Priority),
		string(rec.Status),
		rec.IsRead,
		rec.DedupKey,
		metadata,
		rec.ErrorMessage,
		rec.CreatedAt,
		rec.SentAt,
		rec.ReadAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert notification: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status Status, errorMessage string) error {
	if !CanTransition(StatusPending, status) {
		return ErrInvalidTransition
	}
	tag, err := s.pool.Exec(ctx, updateStatus, id, string(status), Now(), errorMessage)
	if err != nil {
		return fmt.Errorf("update notification status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

func (s *PostgresStore) FindByUser(ctx context.Context, userID string, limit, offset int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}

	var (
		rows pgx.Rows
		err  error
	)
	if offset > 0 {
		createdAt, id, found, aerr := s.anchor(ctx, userID, offset)
		if aerr != nil {
			return nil, aerr
		}
		if found {
			rows, err = s.pool.Query(ctx, selectByUserAfter, userID, createdAt, id, limit)
		} else {
			rows, err = s.pool.Query(ctx, selectByUser, userID, limit)
		}
	} else {
		rows, err = s.pool.Query(ctx, selectByUser, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	out := []Record{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) anchor(ctx context.Context, userID string, offset int) (time.Time, string, bool, error) {
	rows, err := s.pool.Query(ctx, selectAnchor, userID, offset)
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("query page anchor: %w", err)
	}
	defer rows.Close()

	var (
		createdAt time.Time
		id        string
		found     bool
	)
	for rows.Next() {
		if err := rows.Scan(&createdAt, &id); err != nil {
			return time.Time{}, "", false, fmt.Errorf("scan page anchor: %w", err)
		}
		found = true
	}
	return createdAt, id, found, rows.Err()
}

func (s *PostgresStore) FindByID(ctx context.Context, id string) (Record, error) {
	return s.queryOne(ctx, `SELECT `+recordColumns+` FROM notifications WHERE id = $1`, id)
}

func (s *PostgresStore) FindByDedupKey(ctx context.Context, key string) (Record, error) {
	return s.queryOne(ctx, `SELECT `+recordColumns+` FROM notifications WHERE dedup_key = $1`, key)
}

func (s *PostgresStore) MarkAsRead(ctx context.Context, id string) (Record, error) {
	return s.queryOne(ctx, markRead, id, Now())
}

func (s *PostgresStore) queryOne(ctx context.Context, query string, args ...any) (Record, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) CountUnread(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, countUnread, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count unread notifications: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec          Record
		event        string
		channel      string
		class        string
		priority     string
		status       string
		metadataJSON []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.UserID,
		&event,
		&channel,
		&class,
		&rec.Title,
		&rec.Message,
		&priority,
		&status,
		&rec.IsRead,
		&rec.DedupKey,
		&metadataJSON,
		&rec.ErrorMessage,
		&rec.CreatedAt,
		&rec.SentAt,
		&rec.ReadAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scan notification: %w", err)
	}

	rec.Event = events.Event(event)
	rec.Channel = Channel(channel)
	rec.Class = events.Class(class)
	rec.Priority = events.Priority(priority)
	rec.Status = Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &rec.Metadata); err != nil {
			return Record{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return rec, nil
}
