// ============================================================================
// Carbonite CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra commands for running and inspecting the archiver
//
// Command Structure:
//   carbonite                      # Root command
//   ├── run                        # Start the archiving loop
//   │   └── --seed FILE            # Load workflow summaries before starting
//   ├── seed                       # Validate a seed file, insert it (postgres)
//   │   └── --file, -f             # Seed JSON file
//   ├── status                     # Show configuration and probe health
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   └── --version
//
// run Command:
//   1. Load config file
//   2. Open the metadata store, cold store, freezer pool and controller
//   3. Start gRPC health and metrics endpoints (if enabled)
//   4. Wait for SIGINT / SIGTERM
//   5. Stop the controller, then drain the freezer pool
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/carbonite/internal/metadata"
	"github.com/ChuLiYu/carbonite/internal/server"
)

const (
	shutdownTimeout = 10 * time.Second
	probeTimeout    = 3 * time.Second
)

var configFile string

// BuildCLI builds the root command
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "carbonite",
		Short: "Carbonite: archives completed workflow metadata to cold storage",
		Long: `Carbonite periodically selects the oldest terminal workflow whose metadata
is still unarchived, freezes it into cold storage, and waits for the freeze
to finish before looking for the next one.`,
		Version:       "0.1.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSeedCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var seedFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the archiving loop",
		Long:  "Start the archiving loop with its freezer pool, health and metrics endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runArchiver(ctx, cfg, seedFile, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&seedFile, "seed", "", "JSON file of workflow summaries to load before starting")
	return cmd
}

// runArchiver runs until ctx is cancelled
func runArchiver(ctx context.Context, cfg *Config, seedFile string, logOut io.Writer) error {
	logger, err := newLogger(logOut, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	a, err := newApp(ctx, cfg, logger, seedFile)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		a.closeStore()
		return err
	}

	logger.Info("Carbonite started",
		"config", configFile,
		"metadata_driver", cfg.Metadata.Driver,
		"cold_storage", cfg.ColdStorage.Dir)

	<-ctx.Done()
	logger.Info("Received shutdown signal, stopping gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.stop(shutdownCtx)

	logger.Info("Carbonite stopped")
	return nil
}

func buildSeedCommand() *cobra.Command {
	var seedFile string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Validate a seed file and insert it into the metadata store",
		Long: `Validate a JSON file of workflow summaries. With the postgres driver the
records are inserted (existing ids are skipped); with the memory driver use
'carbonite run --seed FILE' instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return seedStore(cmd.Context(), cfg, seedFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&seedFile, "file", "f", "", "seed JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func seedStore(ctx context.Context, cfg *Config, seedFile string, out io.Writer) error {
	records, err := metadata.LoadSeedFile(seedFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Validated %d workflow records from %s\n", len(records), seedFile)

	if cfg.Metadata.Driver != DriverPostgres {
		fmt.Fprintf(out, "Metadata driver is %q, nothing inserted (use 'run --seed')\n", cfg.Metadata.Driver)
		return nil
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	n, err := metadata.Seed(ctx, store, records)
	if err != nil {
		return fmt.Errorf("seed metadata store: %w", err)
	}
	fmt.Fprintf(out, "Inserted %d records (%d already present)\n", n, len(records)-n)
	return nil
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show archiver status",
		Long:  "Display configuration, probe the running instance's gRPC health endpoint and show hot store statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			return showStatus(cmd.Context(), cfg, fmt.Sprintf("127.0.0.1:%d", cfg.GRPC.Port), cmd.OutOrStdout())
		},
	}
	return cmd
}

func showStatus(ctx context.Context, cfg *Config, target string, out io.Writer) error {
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")
	fmt.Fprintln(out, "  Carbonite Archiver Status")
	fmt.Fprintln(out, "═══════════════════════════════════════════════════════════")

	fmt.Fprintln(out, "Freezing schedule:")
	fmt.Fprintf(out, "  ├─ Polling Interval: %s\n", cfg.Freezing.PollingInterval)
	fmt.Fprintf(out, "  ├─ Backoff:          %s → %s (x%.2f, ±%.0f%%)\n",
		cfg.Freezing.InitialInterval, cfg.Freezing.MaxInterval,
		cfg.Freezing.Multiplier, cfg.Freezing.RandomizationFactor*100)
	if cfg.Freezing.FreezeTimeout > 0 {
		fmt.Fprintf(out, "  └─ Freeze Timeout:   %s\n", cfg.Freezing.FreezeTimeout)
	} else {
		fmt.Fprintln(out, "  └─ Freeze Timeout:   disabled")
	}

	fmt.Fprintln(out, "Storage:")
	fmt.Fprintf(out, "  ├─ Metadata Driver:  %s\n", cfg.Metadata.Driver)
	fmt.Fprintf(out, "  └─ Cold Storage:     %s\n", cfg.ColdStorage.Dir)

	fmt.Fprintln(out, "Endpoints:")
	if cfg.Metrics.Enabled {
		fmt.Fprintf(out, "  ├─ Metrics:          http://localhost:%d/metrics\n", cfg.Metrics.Port)
	} else {
		fmt.Fprintln(out, "  ├─ Metrics:          disabled")
	}
	if !cfg.GRPC.Enabled {
		fmt.Fprintln(out, "  └─ Health:           disabled")
	} else {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		health, err := server.Probe(probeCtx, target)
		cancel()
		if err != nil {
			fmt.Fprintf(out, "  └─ Health:           not reachable at %s (%v)\n", target, err)
		} else {
			fmt.Fprintf(out, "  └─ Health:           %s (%s)\n", health, target)
		}
	}

	if cfg.Metadata.Driver == DriverPostgres {
		store, closeStore, err := openStore(ctx, cfg)
		if err != nil {
			fmt.Fprintf(out, "Hot store: unavailable (%v)\n", err)
			return nil
		}
		defer closeStore()

		stats, err := store.Stats(ctx)
		if err != nil {
			fmt.Fprintf(out, "Hot store: unavailable (%v)\n", err)
			return nil
		}
		printStats(out, stats)
	}
	return nil
}

func printStats(out io.Writer, stats metadata.Stats) {
	fmt.Fprintln(out, "Hot store:")
	fmt.Fprintf(out, "  ├─ Workflows:        %d\n", stats.Total)
	fmt.Fprintf(out, "  ├─ Eligible:         %d\n", stats.Eligible)
	fmt.Fprintf(out, "  ├─ Unarchived:       %d\n", stats.Unarchived)
	fmt.Fprintf(out, "  ├─ Archived:         %d\n", stats.Archived)
	fmt.Fprintf(out, "  └─ Archive Failed:   %d\n", stats.ArchiveFailed)
}

// Execute runs the root command and returns the process exit code
func Execute() int {
	if err := BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
