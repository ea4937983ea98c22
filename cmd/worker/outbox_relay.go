package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmehdipour/quota-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var outboxRelayCmd = &cobra.Command{
	Use:   "outbox-relay",
	Short: "Publish committed outbox events (usage records) to Kafka",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		dbx, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer dbx.Close()

		producer := kafka.NewProducerFromConfig(kafka.ProducerConfig{
			Brokers:      cfg.Kafka.Brokers,
			BatchTimeout: cfg.Kafka.BatchTimeout,
		})
		defer producer.Close()

		relay := worker.NewOutboxRelay(repository.NewOutboxRepository(dbx), producer, log)
		if cfg.Outbox.BatchSize > 0 {
			relay.BatchSize = cfg.Outbox.BatchSize
		}
		if cfg.Outbox.Interval > 0 {
			relay.Interval = cfg.Outbox.Interval
		}

		// graceful shutdown
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		serveMetrics(ctx, log)

		log.Info("outbox relay started",
			zap.Strings("brokers", cfg.Kafka.Brokers),
			zap.Int("batch_size", relay.BatchSize),
			zap.Duration("interval", relay.Interval),
		)
		return relay.Run(ctx)
	},
}
