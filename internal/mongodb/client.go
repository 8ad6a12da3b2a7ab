// Package mongodb connects to the document store shared by the ledger and the
// user directory.
package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/example/notification-dispatch/internal/common"
)

var ErrHealthcheckFailed = errors.New("mongo healthcheck failed")

// Connect dials cfg.MongoURL and pings it, retrying with backoff.
func Connect(ctx context.Context, cfg *common.Config, logger zerolog.Logger) (*mongo.Client, error) {
	var client *mongo.Client
	err := common.Retry(ctx, logger, "mongodb", cfg.ConnectAttempts, func(ctx context.Context) error {
		c, err := mongo.Connect(options.Client().
			ApplyURI(cfg.MongoURL).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetRetryWrites(true).
			SetRetryReads(true))
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := c.Ping(pingCtx, nil); err != nil {
			_ = c.Disconnect(context.Background())
			return err
		}
		client = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Healthcheck returns a check suitable for the /health endpoint.
func Healthcheck(client *mongo.Client) func(context.Context) error {
	return func(ctx context.Context) error {
		if err := client.Ping(ctx, nil); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
