// Package bootstrap assembles the dispatch engine and its backing stores from
// a Config. Both binaries share it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/directory"
	"github.com/example/notification-dispatch/internal/dispatch"
	"github.com/example/notification-dispatch/internal/ledger"
	"github.com/example/notification-dispatch/internal/mongodb"
	"github.com/example/notification-dispatch/internal/templates"
	"github.com/example/notification-dispatch/internal/transport"
)

// Services holds the wired engine and everything that has to be released on
// shutdown.
type Services struct {
	Engine *dispatch.Engine
	Ledger ledger.Store
	// Checks are extra readiness checks beyond the ledger ping.
	Checks []func(context.Context) error

	closers []func() error
}

// Close stops background deliveries, waits for in-flight ones and then
// releases connections in reverse order of creation.
func (s *Services) Close() error {
	if s.Engine != nil {
		s.Engine.Close()
	}
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Services) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Build connects the configured ledger backend, the user directory, the
// channel transports and the status publisher. On error everything opened so
// far is closed.
func Build(ctx context.Context, cfg *common.Config, logger zerolog.Logger) (_ *Services, err error) {
	s := &Services{}
	defer func() {
		if err != nil {
			_ = s.Close()
		}
	}()

	catalogue, err := loadCatalogue(cfg)
	if err != nil {
		return nil, err
	}

	var dir directory.Directory
	switch cfg.LedgerBackend {
	case common.LedgerMemory:
		logger.Warn().Msg("using in-memory ledger and directory, data is lost on restart")
		s.Ledger = ledger.NewMemoryStore()
		dir = directory.NewMemory(nil)
	case common.LedgerMongo:
		db, err := s.connectMongo(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		store := ledger.NewMongoStore(db)
		if err := store.EnsureIndexes(ctx); err != nil {
			return nil, err
		}
		s.Ledger = store
		dir = directory.NewMongo(db)
	case common.LedgerPostgres:
		store, err := s.connectPostgres(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		s.Ledger = store
		db, err := s.connectMongo(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		dir = directory.NewMongo(db)
	default:
		return nil, fmt.Errorf("%w: unknown LEDGER_BACKEND %q", common.ErrInvalidConfig, cfg.LedgerBackend)
	}

	if cfg.RedisURL != "" {
		client, err := s.connectRedis(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		dir = directory.NewCached(dir, client, cfg.ContactCacheTTL, logger)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.StatusTopic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	s.onClose(writer.Close)

	s.Engine = &dispatch.Engine{
		Ledger:    s.Ledger,
		Directory: dir,
		Templates: templates.NewResolver(catalogue, logger),
		Email:     EmailTransport(cfg, logger),
		SMS:       SMSTransport(cfg, logger),
		Publisher: &dispatch.KafkaPublisher{Writer: writer},
		Logger:    logger,
	}
	return s, nil
}

// EmailTransport sends through SendGrid and falls back to Postmark.
func EmailTransport(cfg *common.Config, logger zerolog.Logger) transport.Sender {
	return &transport.Failover{
		Providers: []transport.Sender{
			&transport.SendGrid{
				Endpoint: cfg.SendGridEndpoint,
				APIKey:   cfg.SendGridAPIKey,
				From:     cfg.SenderEmail,
				Timeout:  cfg.TransportTimeout,
				Logger:   logger,
			},
			transport.NewPostmark(cfg.PostmarkServerToken, cfg.PostmarkAccountToken, cfg.SenderEmail, logger),
		},
		Logger: logger,
	}
}

func SMSTransport(cfg *common.Config, logger zerolog.Logger) transport.Sender {
	return &transport.Termii{
		Endpoint: cfg.TermiiEndpoint,
		APIKey:   cfg.TermiiAPIKey,
		SenderID: cfg.TermiiSenderID,
		Timeout:  cfg.TransportTimeout,
		Logger:   logger,
	}
}

func loadCatalogue(cfg *common.Config) (templates.Catalogue, error) {
	if cfg.TemplatesPath != "" {
		return templates.LoadFile(cfg.TemplatesPath)
	}
	return templates.Default()
}

func (s *Services) connectMongo(ctx context.Context, cfg *common.Config, logger zerolog.Logger) (*mongo.Database, error) {
	client, err := mongodb.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("connect mongodb: %w", err)
	}
	s.onClose(func() error { return client.Disconnect(context.Background()) })
	s.Checks = append(s.Checks, mongodb.Healthcheck(client))
	return client.Database(cfg.MongoDatabase), nil
}

func (s *Services) connectPostgres(ctx context.Context, cfg *common.Config, logger zerolog.Logger) (*ledger.PostgresStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s.onClose(func() error {
		pool.Close()
		return nil
	})
	if err := common.Retry(ctx, logger, "postgres", cfg.ConnectAttempts, pool.Ping); err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	store, err := ledger.NewPostgresStore(pool)
	if err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Services) connectRedis(ctx context.Context, cfg *common.Config, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: REDIS_URL: %v", common.ErrInvalidConfig, err)
	}
	client := redis.NewClient(opts)
	s.onClose(client.Close)
	err = common.Retry(ctx, logger, "redis", cfg.ConnectAttempts, func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}
