// Command jobs runs one maintenance job and exits. An external scheduler
// (cron, a Kubernetes CronJob) decides when.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"nationalpos/backend/internal/app"
	"nationalpos/backend/internal/config"
	"nationalpos/backend/internal/domain"
	"nationalpos/backend/internal/httpapi"
	"nationalpos/backend/internal/jobs"
	"nationalpos/backend/internal/logging"
)

const (
	jobSweepReservations = "sweep-reservations"
	jobEvaluateAlerts    = "evaluate-alerts"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(config.Load, os.Stdout).ExecuteContext(ctx); err != nil {
		if errors.Is(err, jobs.ErrLockHeld) {
			// Another instance is running the same job; not a failure for cron.
			os.Exit(0)
		}
		os.Exit(1)
	}
}

func newRootCommand(load func() config.Config, out io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "jobs",
		Short:         "Run nationalpos maintenance jobs",
		SilenceUsage: true,
	}

	var branchID, warehouseID string
	evaluate := &cobra.Command{
		Use:   jobEvaluateAlerts,
		Short: "Evaluate every stock row against its low stock threshold",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd.Context(), load(), out, jobEvaluateAlerts, func(a *app.App) jobs.Job {
				return func(ctx context.Context) (any, error) {
					return a.Alerts.Evaluate(ctx, domain.StockRowFilter{BranchID: branchID, WarehouseID: warehouseID})
				}
			})
		},
	}
	evaluate.Flags().StringVar(&branchID, "branch", "", "only evaluate rows at this branch")
	evaluate.Flags().StringVar(&warehouseID, "warehouse", "", "only evaluate rows at this warehouse")

	sweep := &cobra.Command{
		Use:   jobSweepReservations,
		Short: "Expire reservations past their TTL and cancel abandoned checkouts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runJob(cmd.Context(), load(), out, jobSweepReservations, func(a *app.App) jobs.Job {
				return func(ctx context.Context) (any, error) {
					return a.Engine.SweepExpiredReservations(ctx, time.Time{})
				}
			})
		},
	}

	root.AddCommand(sweep, evaluate, newMigrateCommand(load), newIssueTokenCommand(load, out))
	return root
}

// runJob builds the application, registers the one job and runs it under the
// cross-instance job lock.
func runJob(ctx context.Context, cfg config.Config, out io.Writer, name string, build func(*app.App) jobs.Job) error {
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("startup failed")
		return err
	}
	defer a.Close()

	runner := jobs.NewRunner(a.Locker, cfg.JobLockTTL, logger, a.Metrics)
	runner.Register(name, build(a))
	result, err := runner.Run(ctx, name)
	if err != nil {
		return err
	}
	return writeResult(out, result)
}

func newMigrateCommand(load func() config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := load()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			logger := logging.New(cfg.LogLevel, cfg.LogFormat)
			// Build migrates before returning.
			a, err := app.Build(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			a.Close()
			logger.WithField("module", "jobs").Info("schema applied")
			return nil
		},
	}
}

func newIssueTokenCommand(load func() config.Config, out io.Writer) *cobra.Command {
	var userID, role, branchID string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Sign an access token for a terminal or operator",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg := load()
			if len(cfg.AuthSecret) < 32 {
				return errors.New("AUTH_SECRET must be set and at least 32 characters")
			}
			auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, "")
			var expiresAt time.Time
			if ttl > 0 {
				expiresAt = time.Now().UTC().Add(ttl)
			}
			token, err := auth.IssueToken(domain.Actor{UserID: userID, Role: role, BranchID: branchID}, expiresAt)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(out, token)
			return err
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "token subject")
	cmd.Flags().StringVar(&role, "role", httpapi.RoleCashier, "cashier, supervisor or admin")
	cmd.Flags().StringVar(&branchID, "branch", "", "branch the actor is assigned to")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default ACCESS_TOKEN_TTL_MINUTES)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func writeResult(out io.Writer, result jobs.Result) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
