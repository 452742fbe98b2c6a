// Command ledgerctl runs one-off pipeline operations against the configured
// store: migrations, syncs, reconciliation and event replay.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/example/ledgersync/internal/app"
	"github.com/example/ledgersync/internal/config"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "ledgerctl",
		Short:         "Operate the ledger sync pipeline",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("debug", false, "Log at debug level")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(replayCmd())
	rootCmd.AddCommand(statsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()
	return config.Load()
}

// withApp builds the pipeline for the duration of fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.New(cmd.Context(), cfg, newLogger(cmd))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := app.OpenStore(cmd.Context(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			s.Close()
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	req := syncFlags{}
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull provider statements and ingest them",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := req.request()
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Orchestrator.Sync(ctx, r)
				if err != nil {
					return err
				}
				return printJSON(cmd, res)
			})
		},
	}
	cmd.Flags().StringVarP(&req.mode, "mode", "m", "incremental", "Sync mode (full, incremental, since_cursor)")
	cmd.Flags().IntVarP(&req.days, "days", "d", 0, "Days to re-read in incremental mode")
	cmd.Flags().StringSliceVarP(&req.currencies, "currency", "c", nil, "Restrict to these currencies")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var skipProvider bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Recompute balances and report gaps against the provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !skipProvider {
					if _, err := a.Reconciler.RefreshProviderBalances(ctx); err != nil {
						return fmt.Errorf("refresh provider balances: %w", err)
					}
				}
				if _, err := a.Reconciler.RecomputeAll(ctx); err != nil {
					return err
				}
				gaps, err := a.Reconciler.Gaps(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, gaps)
			})
		},
	}
	cmd.Flags().BoolVar(&skipProvider, "offline", false, "Skip fetching provider balances")
	return cmd
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify [currency]",
		Short: "Compare a stored balance with a fresh aggregation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				drift, err := a.Reconciler.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, drift)
			})
		},
	}
}

func replayCmd() *cobra.Command {
	var (
		eventID string
		after   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reprocess stale or failed raw events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if eventID != "" {
					out, err := a.Processor.ProcessStored(ctx, eventID)
					if err != nil {
						return err
					}
					return printJSON(cmd, map[string]any{
						"event_id":      eventID,
						"duplicate":     out.Duplicate(),
						"entry_created": out.EntryCreated,
					})
				}
				n, err := a.ReplayStale(ctx, after, newLogger(cmd))
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]int{"replayed": n})
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "id", "", "Replay a single event")
	cmd.Flags().DurationVar(&after, "after", 5*time.Minute, "Only replay events older than this")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show review queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Review.Stats(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, stats)
			})
		},
	}
}
