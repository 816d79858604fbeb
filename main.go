package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dhcgn/pst-export/cmd"
	"github.com/dhcgn/pst-export/config"
	"github.com/dhcgn/pst-export/di"
	"github.com/dhcgn/pst-export/logging"
	"github.com/dhcgn/pst-export/progress"
	"github.com/dhcgn/pst-export/runner"
	"github.com/dhcgn/pst-export/state"
	"github.com/dhcgn/pst-export/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pst-export [archive.pst...]",
		Short: "Export messages from PST archives into eml, pdf, mbox, a SQL catalog or IMAP",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(c *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(c, args)
			if err != nil {
				return err
			}

			container, err := di.BuildContainer(cfg)
			if err != nil {
				return fmt.Errorf("build dependency container: %w", err)
			}

			return container.Invoke(func(cfg config.Config, logger *logging.Logger, r *runner.Runner, ledger state.Ledger) error {
				defer func() {
					_ = logger.Sync()
				}()
				return run(c.Context(), cfg, logger, r, ledger)
			})
		},
	}
	rootCmd.SilenceUsage = true

	config.RegisterFlags(rootCmd)
	rootCmd.AddCommand(cmd.NewStatsCommand())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *logging.Logger, r *runner.Runner, ledger state.Ledger) error {
	if closer, ok := ledger.(io.Closer); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				logger.Error("failed to close state ledger", "err", err)
			}
		}()
	}

	logger.Info("starting pst-export",
		"archives", len(cfg.Archives),
		"formats", cfg.Formats,
		"output", cfg.OutputDir,
		"workers", cfg.Workers,
		"logFile", logger.LogFile,
	)

	// debug logging is too chatty to share the terminal with the bar
	bar := progress.NewBar(!cfg.NoProgress && cfg.LogLevel != "debug", len(cfg.Archives))
	batch, err := r.Run(ctx, cfg.Archives, cfg.Formats, bar.Update)
	bar.Stop()

	stats.Print(os.Stdout, batch)

	if err != nil {
		return err
	}
	if batch.FilesProcessed == 0 && batch.FilesFailed > 0 {
		return errors.New("no archive could be processed")
	}
	return nil
}
