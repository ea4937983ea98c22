package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/jmehdipour/quota-gateway/internal/config"
	"github.com/jmehdipour/quota-gateway/internal/db"
	"github.com/jmehdipour/quota-gateway/internal/model"
	"github.com/jmehdipour/quota-gateway/internal/service/directory"
	"github.com/spf13/cobra"
)

// newCustomerCmd groups operator commands that manage customers directly in
// MySQL, without going through the admin HTTP API.
func newCustomerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "customer",
		Short: "Manage customers",
	}

	var (
		name   string
		days   int
		limits limitFlags
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a customer and print its API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDirectory(func(cfg config.Config, dir *directory.Service) error {
				if days < 0 {
					days = cfg.Customers.DefaultExpiryDays
				}
				c, err := dir.Create(cmd.Context(), name, limits.patch(cmd), days)
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "customer name")
	create.Flags().IntVar(&days, "days", -1, "subscription length in days (default from config)")
	limits.register(create)
	_ = create.MarkFlagRequired("name")

	var extra int
	renew := &cobra.Command{
		Use:   "renew <id>",
		Short: "Extend a subscription to at least now + days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCustomerArg(args, func(dir *directory.Service, id int64) (*model.Customer, error) {
				return dir.Renew(cmd.Context(), id, extra)
			})
		},
	}
	renew.Flags().IntVar(&extra, "days", 30, "days from now")

	var newLimits limitFlags
	setLimits := &cobra.Command{
		Use:   "limits <id>",
		Short: "Change per-period limits; omitted flags are left as they are",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patch := newLimits.patch(cmd)
			if patch.Empty() {
				return fmt.Errorf("no limit flags given")
			}
			return withCustomerArg(args, func(dir *directory.Service, id int64) (*model.Customer, error) {
				return dir.UpdateLimits(cmd.Context(), id, patch)
			})
		},
	}
	newLimits.register(setLimits)

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Print a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCustomerArg(args, func(dir *directory.Service, id int64) (*model.Customer, error) {
				return dir.Get(cmd.Context(), id)
			})
		},
	}

	deactivate := &cobra.Command{
		Use:   "deactivate <id>",
		Short: "Block a customer without touching its expiry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCustomerArg(args, func(dir *directory.Service, id int64) (*model.Customer, error) {
				return dir.Deactivate(cmd.Context(), id)
			})
		},
	}

	activate := &cobra.Command{
		Use:   "activate <id>",
		Short: "Unblock a customer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCustomerArg(args, func(dir *directory.Service, id int64) (*model.Customer, error) {
				return dir.Activate(cmd.Context(), id)
			})
		},
	}

	cmd.AddCommand(create, renew, setLimits, show, deactivate, activate)
	return cmd
}

type limitFlags struct {
	second, minute, hour, day, month int64
}

func (l *limitFlags) register(cmd *cobra.Command) {
	cmd.Flags().Int64Var(&l.second, "per-second", 0, "calls per second")
	cmd.Flags().Int64Var(&l.minute, "per-minute", 0, "calls per minute")
	cmd.Flags().Int64Var(&l.hour, "per-hour", 0, "calls per hour")
	cmd.Flags().Int64Var(&l.day, "per-day", 0, "calls per day")
	cmd.Flags().Int64Var(&l.month, "per-month", 0, "calls per month")
}

// patch includes only the flags set on the command line, so an explicit 0 is
// kept while an omitted flag is not.
func (l *limitFlags) patch(cmd *cobra.Command) model.LimitsPatch {
	var p model.LimitsPatch
	set := func(flag string, v int64, dst **int64) {
		if cmd.Flags().Changed(flag) {
			*dst = i64(v)
		}
	}
	set("per-second", l.second, &p.PerSecond)
	set("per-minute", l.minute, &p.PerMinute)
	set("per-hour", l.hour, &p.PerHour)
	set("per-day", l.day, &p.PerDay)
	set("per-month", l.month, &p.PerMonth)
	return p
}

func withDirectory(fn func(cfg config.Config, dir *directory.Service) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	sqlDB, err := db.NewMySQLConnection(cfg.MySQL)
	if err != nil {
		return fmt.Errorf("mysql connect: %w", err)
	}
	defer sqlDB.Close()

	return fn(cfg, newDirectory(cfg, sqlDB, log))
}

func withCustomerArg(args []string, fn func(dir *directory.Service, id int64) (*model.Customer, error)) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil || id <= 0 {
		return fmt.Errorf("invalid customer id %q", args[0])
	}
	return withDirectory(func(_ config.Config, dir *directory.Service) error {
		c, err := fn(dir, id)
		if err != nil {
			return err
		}
		c.APIKey = ""
		return printJSON(c)
	})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
