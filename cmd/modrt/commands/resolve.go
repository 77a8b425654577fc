package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tessera/modrt/pkg/mods"
)

func newResolveCommand() *cobra.Command {
	var dot bool

	cmd := &cobra.Command{
		Use:   "resolve",
		Short: "Print the resolved load order",
		Long: `Discover mods and print the order they would load in, without
running any of them.

Mods load after their required and optional dependencies, and after
mods named in their load_after list. Among mods whose dependencies are
satisfied, higher load priority goes first and ties break by id.`,
		Example: `  # Print the load order
  modrt resolve

  # Render the dependency graph
  modrt resolve --dot | dot -Tpng -o mods.png`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			order, err := discoverAndResolve(cfg.ModsDir, log.Logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dot {
				fmt.Fprint(out, mods.ToDOT(order))
				return nil
			}
			for i, m := range order {
				fmt.Fprintf(out, "%2d. %-24s %-10s %s\n", i+1, m.ID(), m.Metadata.Version, m.Kind())
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dot, "dot", false, "print the dependency graph in DOT format")

	return cmd
}

// discoverAndResolve loads every manifest in dir and resolves the load
// order. Invalid manifests are logged and skipped.
func discoverAndResolve(dir string, logger zerolog.Logger) ([]mods.Mod, error) {
	loader, err := mods.NewManifestLoader()
	if err != nil {
		return nil, err
	}
	report, err := mods.NewDiscoverer(loader, logger).Discover(dir)
	if err != nil {
		return nil, err
	}
	return mods.NewResolver(logger).ResolveLoadOrder(report.Mods)
}
