package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	migrationsDir    string
	migrateAnalytics bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create MySQL tables (and the ClickHouse usage table with --analytics)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer sqlDB.Close()

		if err := applyDir(sqlDB, migrationsDir, log); err != nil {
			return err
		}

		if migrateAnalytics {
			chDB, err := db.NewClickHouseConnection(cfg.ClickHouse)
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()

			if err := applyDir(chDB, filepath.Join(migrationsDir, "clickhouse"), log); err != nil {
				return err
			}
		}

		fmt.Println(">> Migration complete ✅")
		return nil
	},
}

func init() {
	migrateCmd.Flags().StringVar(&migrationsDir, "dir", "migrations", "directory holding *.sql migration files")
	migrateCmd.Flags().BoolVar(&migrateAnalytics, "analytics", false, "also migrate ClickHouse")
}

// applyDir executes every *.sql file in dir in name order. Files may hold
// several statements separated by semicolons.
func applyDir(conn *sqlx.DB, dir string, log *zap.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations in %s: %w", dir, err)
	}
	sort.Strings(files)

	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration file %s: %w", f, err)
		}
		for i, stmt := range splitStatements(string(raw)) {
			if _, err := conn.Exec(stmt); err != nil {
				return fmt.Errorf("exec %s statement %d: %w", f, i+1, err)
			}
		}
		log.Info("migration applied", zap.String("file", f))
	}
	return nil
}

func splitStatements(sql string) []string {
	var out []string
	for _, s := range strings.Split(sql, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
