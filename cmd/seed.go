package cmd

import (
	"fmt"

	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type demoCustomer struct {
	name   string
	limits model.LimitsPatch
	days   int
	active bool
}

func i64(v int64) *int64 { return &v }

var demoCustomers = []demoCustomer{
	{name: "Acme Corp", days: 365, active: true},
	{name: "Foobar LLC", days: 30, active: true, limits: model.LimitsPatch{PerSecond: i64(20), PerMinute: i64(600)}},
	{name: "Beta Testers", days: 7, active: true, limits: model.LimitsPatch{PerSecond: i64(1), PerDay: i64(100), PerMonth: i64(1000)}},
	{name: "Suspended Inc", days: 30, active: false},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with demo customers and print their API keys",
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

		dir := newDirectory(cfg, sqlDB, log)
		ctx := cmd.Context()

		log.Info("seeding demo customers", zap.Int("count", len(demoCustomers)))
		for _, d := range demoCustomers {
			c, err := dir.Create(ctx, d.name, d.limits, d.days)
			if err != nil {
				return fmt.Errorf("create %q: %w", d.name, err)
			}
			if !d.active {
				if _, err := dir.Deactivate(ctx, c.ID); err != nil {
					return fmt.Errorf("deactivate %q: %w", d.name, err)
				}
			}
			fmt.Printf("%-16s id=%-4d key=%s\n", d.name, c.ID, c.APIKey)
		}

		fmt.Println(">> Seed completed ✅")
		return nil
	},
}
