package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/quota-gateway/internal/admission"
	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/internal/housekeeping"
	httpSrv "github.com/jmehdipour/quota-gateway/internal/http"
	"github.com/jmehdipour/quota-gateway/internal/metrics"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/jmehdipour/quota-gateway/internal/service/usage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var withAnalytics bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP gateway",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		store, closeStore, err := newLimiterStore(cfg, mysqlDB)
		if err != nil {
			return err
		}
		defer closeStore()

		analyzer, err := newAnalyzer(cfg)
		if err != nil {
			return err
		}

		var events repository.CHUsageRepository
		if withAnalytics {
			chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()
			events = repository.NewCHUsageRepository(chDB)
		}

		dir := newDirectory(cfg, mysqlDB, log)
		usageRepo := repository.NewUsageRepository(mysqlDB)
		recorder := usage.New(
			mysqlDB,
			usageRepo,
			repository.NewCustomersRepository(mysqlDB),
			repository.NewOutboxRepository(mysqlDB),
			clock.Real(),
			log,
			usage.Options{Topic: cfg.Usage.Topic, Timeout: cfg.Usage.RecordTimeout},
		)
		engine := admission.New(dir, store, clock.NewMonotonic(clock.Real()), admission.Config{
			StoreTimeout: cfg.Admission.StoreTimeout,
			FailOpen:     cfg.Admission.FailOpen,
			Anonymous: admission.AnonymousConfig{
				Enabled: cfg.Admission.Anonymous.Enabled,
				Limits:  cfg.Admission.Anonymous.Limits.Limits(),
			},
		}, log)

		server := httpSrv.NewServer(cfg, httpSrv.Deps{
			Admission: engine,
			Directory: dir,
			Usage:     recorder,
			Events:    events,
			Analyzer:  analyzer,
		}, log)

		janitor := housekeeping.New(store, usageRepo, clock.Real(), housekeeping.Config{
			Schedule:      cfg.Housekeeping.Schedule,
			RetentionDays: cfg.Housekeeping.RetentionDays,
			DeleteBatch:   cfg.Housekeeping.DeleteBatch,
			RunTimeout:    cfg.Housekeeping.RunTimeout,
		}, log)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info("serve: starting",
			zap.String("addr", cfg.HTTP.Addr),
			zap.String("store", store.Name()),
			zap.Bool("fail_open", cfg.Admission.FailOpen),
			zap.Bool("anonymous", cfg.Admission.Anonymous.Enabled),
		)

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			if err := server.Start(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			return janitor.Run(gctx)
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("serve: shutting down")
			shCtx, cancel := context.WithTimeout(context.Background(), server.ShutdownTimeout())
			defer cancel()
			return server.Shutdown(shCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().BoolVar(&withAnalytics, "analytics", false, "connect ClickHouse and serve /v1/usage/events and /v1/usage/daily")
}
