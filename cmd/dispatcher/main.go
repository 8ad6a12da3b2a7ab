package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/segmentio/kafka-go"

	"github.com/example/notification-dispatch/internal/bootstrap"
	"github.com/example/notification-dispatch/internal/common"
	"github.com/example/notification-dispatch/internal/dispatch"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := common.LoadConfig("notification-dispatcher")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger := common.NewLogger(cfg.ServiceName, cfg.LogLevel)
	shutdown, err := common.SetupOTel(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise telemetry")
	}
	defer common.ShutdownTelemetry(context.Background(), shutdown)

	metricsSrv := common.StartMetricsServer(cfg.MetricsPort, logger)
	defer metricsSrv.Shutdown(context.Background())

	services, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}

	dlqWriter := &kafka.Writer{
		Addr:     kafka.TCP(cfg.KafkaBrokers...),
		Topic:    cfg.DLQTopic,
		Balancer: &kafka.Hash{},
	}
	defer dlqWriter.Close()

	c := dispatch.Consumer{
		ReaderFactory: func() dispatch.MessageReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: cfg.KafkaBrokers,
				GroupID: cfg.ServiceName,
				Topic:   cfg.EventsTopic,
			})
		},
		Dispatcher: services.Engine,
		DeadLetter: dlqWriter,
		Logger:     logger,
	}

	logger.Info().Str("topic", cfg.EventsTopic).Str("ledger", cfg.LedgerBackend).Msg("dispatcher service started")
	err = c.Run(ctx)
	if cerr := services.Close(); cerr != nil {
		logger.Error().Err(cerr).Msg("failed to release services")
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("dispatcher stopped")
	}
}
