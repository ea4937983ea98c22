package cmd

import (
	"fmt"

	"github.com/jmehdipour/quota-gateway/internal/clock"
	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/internal/housekeeping"
	"github.com/jmehdipour/quota-gateway/internal/repository"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var housekeepCmd = &cobra.Command{
	Use:   "housekeep",
	Short: "Sweep finished rate windows and apply usage retention once",
	Long: "Runs one housekeeping pass against the configured store. Useful from an " +
		"external scheduler when the serve process does not run the cron itself.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		store, closeStore, err := newLimiterStore(cfg, sqlDB)
		if err != nil {
			return err
		}
		defer closeStore()

		j := housekeeping.New(store, repository.NewUsageRepository(sqlDB), clock.Real(), housekeeping.Config{
			RetentionDays: cfg.Housekeeping.RetentionDays,
			DeleteBatch:   cfg.Housekeeping.DeleteBatch,
			RunTimeout:    cfg.Housekeeping.RunTimeout,
		}, log)

		rep, err := j.RunOnce(cmd.Context())
		log.Info("housekeeping finished",
			zap.String("store", store.Name()),
			zap.Int64("windows_swept", rep.WindowsSwept),
			zap.Int64("records_deleted", rep.RecordsDeleted),
			zap.Time("cutoff", rep.Cutoff),
			zap.Error(err),
		)
		return err
	},
}
