package directory

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Cached is a read-through Redis cache in front of another Directory. Cache
// failures degrade to the underlying lookup; unknown users are not cached.
type Cached struct {
	next   Directory
	client redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

func NewCached(next Directory, client redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *Cached {
	return &Cached{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(userID string) string { return "contact:" + userID }

func (c *Cached) Contact(ctx context.Context, userID string) (Contact, error) {
	raw, err := c.client.Get(ctx, cacheKey(userID)).Bytes()
	switch {
	case err == nil:
		var contact Contact
		if err := json.Unmarshal(raw, &contact); err == nil {
			return contact, nil
		}
		c.logger.Warn().Str("user_id", userID).Msg("discarding corrupt cached contact")
	case !errors.Is(err, redis.Nil):
		c.logger.Warn().Err(err).Str("user_id", userID).Msg("contact cache read failed")
	}

	contact, err := c.next.Contact(ctx, userID)
	if err != nil {
		return Contact{}, err
	}

	if b, err := json.Marshal(contact); err == nil {
		if err := c.client.Set(ctx, cacheKey(userID), b, c.ttl).Err(); err != nil {
			c.logger.Warn().Err(err).Str("user_id", userID).Msg("contact cache write failed")
		}
	}
	return contact, nil
}

// Invalidate drops the cached contact of userID.
func (c *Cached) Invalidate(ctx context.Context, userID string) error {
	return c.client.Del(ctx, cacheKey(userID)).Err()
}
