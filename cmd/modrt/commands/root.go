package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tessera/modrt/pkg/config"
	"github.com/tessera/modrt/pkg/host"
	"github.com/tessera/modrt/pkg/policy"
	"github.com/tessera/modrt/pkg/stores"
	"github.com/tessera/modrt/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modrt",
		Short: "modrt - mod loading runtime",
		Long: `modrt discovers mods in a directory, resolves their load order from
declared dependencies and runs them against a shared event bus and
content registries.

Mods are directories with a mod.yaml manifest and one entrypoint:
  - native:<name>  a mod compiled into the binary
  - *.star         a Starlark script
  - *.wasm         a WebAssembly module run in a sandbox`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./modrt.yaml if present)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newResolveCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newModsCommand())
	rootCmd.AddCommand(newFetchCommand())

	return rootCmd
}

func loadConfig() (*config.Config, error) {
	path := config.Resolve(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.Debug().Str("path", path).Str("mods_dir", cfg.ModsDir).Msg("Configuration loaded")
	return cfg, nil
}

func newTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := cfg.Telemetry
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	return telemetry.NewTelemetry(&tcfg)
}

func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	store, err := stores.Open(ctx, stores.Config{Path: cfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", cfg.DBPath, err)
	}
	return store, nil
}

func newPolicyEngine(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*policy.Engine, error) {
	engine, err := policy.NewEngine(logger, policy.Options{
		AllowedKinds: cfg.AllowedKinds,
		Environment:  cfg.Telemetry.Environment,
	})
	if err != nil {
		return nil, err
	}
	if cfg.PolicyDir != "" {
		if err := engine.LoadPolicies(ctx, []string{cfg.PolicyDir}); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// natives lists the mods compiled into this binary.
func natives() *host.NativeCatalog {
	c := host.NewNativeCatalog()
	_ = c.Register("modrt.stats", newStatsMod)
	return c
}
