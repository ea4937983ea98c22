package worker

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/internal/kafka"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmehdipour/quota-gateway/internal/service/usage"
	"github.com/jmehdipour/quota-gateway/internal/worker"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var usageSinkCmd = &cobra.Command{
	Use:   "usage-sink",
	Short: "Consume usage events from Kafka into ClickHouse",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := setup(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
		if err != nil {
			return fmt.Errorf("clickhouse connect: %w", err)
		}
		defer func() { _ = chDB.Close() }()

		topic := cfg.Usage.Topic
		if topic == "" {
			topic = usage.UsageEventsKafkaTopic
		}
		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "quotagw-usage-sink"
		}

		consumer := kafka.NewConsumerFromConfig(kafka.Config{
			Brokers:        cfg.Kafka.Brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       cfg.Kafka.MinBytes,
			MaxBytes:       cfg.Kafka.MaxBytes,
			CommitInterval: time.Duration(cfg.Kafka.CommitInterval) * time.Millisecond,
		})
		defer consumer.Close()

		sink := worker.NewUsageSink(consumer, repository.NewCHUsageRepository(chDB), log)

		// tune knobs
		if cfg.Usage.SinkBatchSize > 0 {
			sink.BatchSize = cfg.Usage.SinkBatchSize
		}
		if cfg.Usage.SinkBatchWait > 0 {
			sink.BatchWait = cfg.Usage.SinkBatchWait
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		serveMetrics(ctx, log)

		log.Info("usage sink started",
			zap.String("topic", topic),
			zap.String("group", groupID),
			zap.Int("batch_size", sink.BatchSize),
			zap.Duration("batch_wait", sink.BatchWait),
		)
		return sink.Run(ctx)
	},
}
