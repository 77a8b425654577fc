package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tessera/modrt/pkg/host"
)

const shutdownTimeout = 10 * time.Second

func newRunCommand() *cobra.Command {
	var (
		watch bool
		tick  time.Duration
		once  bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Boot the runtime and run mods",
		Long: `Boot the runtime and keep it running until interrupted.

This command:
  - Discovers mods in the configured mods directory
  - Skips mods disabled with 'modrt mods disable'
  - Applies admission policies
  - Resolves the load order from declared dependencies
  - Loads every mod and records the load order
  - Ticks the main thread until interrupted

A mod that fails to load is reported and skipped together with the mods
that require it. Dependency resolution errors abort the boot.`,
		Example: `  # Boot and run with the configured tick interval
  modrt run

  # Hot-disable removed mods and reload policies on change
  modrt run --watch

  # Boot, report and exit
  modrt run --once`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if tick > 0 {
				cfg.TickInterval = tick
			}

			tel, err := newTelemetry(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			defer shutdownTelemetry(tel.Shutdown)

			if err := tel.StartMetricsServer(); err != nil {
				return err
			}

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			pol, err := newPolicyEngine(ctx, cfg, tel.Logger)
			if err != nil {
				return err
			}

			rt, err := host.New(host.Options{
				ModsDir:       cfg.ModsDir,
				Natives:       natives(),
				Policy:        pol,
				Store:         store,
				Telemetry:     tel,
				Executor:      cfg.Executor,
				ScriptTimeout: cfg.ScriptTimeout,
				WatchDebounce: cfg.WatchDebounce,
			})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := rt.Shutdown(sctx); err != nil {
					log.Error().Err(err).Msg("Runtime shutdown failed")
				}
			}()

			report, err := rt.Boot(ctx)
			if err != nil {
				return err
			}
			printReport(cmd, report)

			if once {
				return nil
			}

			if watch {
				if err := rt.Watch(ctx); err != nil {
					return err
				}
				if cfg.PolicyDir != "" {
					if err := pol.WatchPolicies(ctx, []string{cfg.PolicyDir}); err != nil {
						return err
					}
				}
			}

			log.Info().
				Dur("tick", cfg.TickInterval).
				Bool("watch", watch).
				Msg("Runtime running")

			return rt.Run(ctx, cfg.TickInterval)
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "watch the mods directory and policies for changes")
	cmd.Flags().DurationVar(&tick, "tick", 0, "main-thread tick interval (overrides config)")
	cmd.Flags().BoolVar(&once, "once", false, "exit after booting")

	return cmd
}

func shutdownTelemetry(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
}

func printReport(cmd *cobra.Command, report *host.BootReport) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Discovered %d mod(s), loaded %d in %s\n",
		report.Discovered, len(report.Loaded), report.Duration.Round(time.Millisecond))
	for i, id := range report.Loaded {
		fmt.Fprintf(out, "  %2d. %s\n", i+1, id)
	}
	for _, id := range report.Disabled {
		fmt.Fprintf(out, "  disabled: %s\n", id)
	}
	for _, d := range report.Rejected {
		for _, v := range d.Violations {
			fmt.Fprintf(out, "  rejected: %s (%s: %s)\n", d.ModID, v.Policy, v.Message)
		}
	}
	for _, f := range report.Failures {
		id := f.ModID
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(out, "  failed:   %s [%s] %v\n", id, f.Stage, f.Err)
	}
	if report.Boot != nil {
		fmt.Fprintf(out, "Boot %s recorded\n", report.Boot.ID)
	}
}
