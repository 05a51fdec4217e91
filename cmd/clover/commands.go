package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Ramsey-B/clover/config"
	"github.com/Ramsey-B/clover/pkg/database"
	"github.com/Ramsey-B/clover/pkg/models"
)

// withApp loads configuration, starts the dependencies and runs fn. The
// dependencies are stopped in reverse order afterwards.
func withApp(ctx context.Context, envFile string, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load(envFile)
	if err != nil {
		return err
	}
	logger, flush, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer flush()

	a := newApp(cfg, logger)
	if err := a.Start(ctx); err != nil {
		logger.WithError(err).Error("failed to start")
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Stop(stopCtx); err != nil {
			logger.WithError(err).Warn("failed to stop cleanly")
		}
	}()

	if err := fn(ctx, a); err != nil {
		logger.WithContext(ctx).WithError(err).Error("command failed")
		return err
	}
	return nil
}

func newMigrateCommand(envFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), *envFile, func(_ context.Context, a *app) error {
				if a.db == nil {
					return fmt.Errorf("migrate needs STORAGE_DRIVER=postgres")
				}
				return database.NewMigrator(a.logger, database.MigrationConfig{
					FolderPath:   a.cfg.DatabaseMigrationFolderPath,
					Version:      uint(max(a.cfg.DatabaseMigrationVersion, 0)),
					Force:        a.cfg.DatabaseMigrationForce,
					AutoRollback: a.cfg.DatabaseMigrationAutoRollback,
				}).Up(a.db, a.cfg.DatabaseName)
			})
		},
	}
}

func newSyncCommand(envFile *string) *cobra.Command {
	var (
		userID          string
		integrationType string
	)

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run a one-off sync for a user's integration",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "user that owns the contracts")
	cmd.PersistentFlags().StringVar(&integrationType, "type", "", "integration type, e.g. salesforce")
	_ = cmd.MarkPersistentFlagRequired("user")
	_ = cmd.MarkPersistentFlagRequired("type")

	run := func(fn func(ctx context.Context, a *app, t models.IntegrationType) (any, error)) func(*cobra.Command, []string) error {
		return func(c *cobra.Command, _ []string) error {
			t, err := models.ParseIntegrationType(integrationType)
			if err != nil {
				return err
			}
			return withApp(c.Context(), *envFile, func(ctx context.Context, a *app) error {
				result, err := fn(ctx, a, t)
				if err != nil {
					return err
				}
				return printJSON(c, result)
			})
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "out <contract-id>",
			Short: "Push a local contract to the external system",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				return run(func(ctx context.Context, a *app, t models.IntegrationType) (any, error) {
					return a.orchestrator.SyncOut(ctx, args[0], userID, t)
				})(c, args)
			},
		},
		&cobra.Command{
			Use:   "in <external-id>",
			Short: "Pull an external record into the local store",
			Args:  cobra.ExactArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				return run(func(ctx context.Context, a *app, t models.IntegrationType) (any, error) {
					return a.orchestrator.SyncIn(ctx, args[0], userID, t)
				})(c, args)
			},
		},
		&cobra.Command{
			Use:   "bulk <contract-id>...",
			Short: "Push several contracts in order",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				return run(func(ctx context.Context, a *app, t models.IntegrationType) (any, error) {
					return a.orchestrator.BulkSyncOut(ctx, args, userID, t)
				})(c, args)
			},
		},
		&cobra.Command{
			Use:   "test",
			Short: "Check that the stored credential still works",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, args []string) error {
				return run(func(ctx context.Context, a *app, t models.IntegrationType) (any, error) {
					return a.orchestrator.TestConnection(ctx, userID, t)
				})(c, args)
			},
		},
	)
	return cmd
}

func newRefreshCommand(envFile *string) *cobra.Command {
	var window time.Duration

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Refresh every credential expiring within the window once",
		RunE: func(c *cobra.Command, _ []string) error {
			return withApp(c.Context(), *envFile, func(ctx context.Context, a *app) error {
				report, err := a.credentials.RefreshExpiring(ctx, window)
				if err != nil {
					return err
				}
				return printJSON(c, report)
			})
		},
	}
	cmd.Flags().DurationVar(&window, "window", 15*time.Minute, "refresh credentials expiring within this window")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
