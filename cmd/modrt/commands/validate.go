package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tessera/modrt/pkg/mods"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [dir]",
		Short: "Validate mod manifests",
		Long: `Check every mod in a directory without loading any of them.

This command:
  - Validates each mod.yaml against the manifest schema
  - Evaluates admission policies against the valid mods
  - Resolves the load order

Every problem found is printed. The command fails if any was found.`,
		Example: `  # Validate the configured mods directory
  modrt validate

  # Validate a directory of mods before publishing
  modrt validate ./dist/mods`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			dir := cfg.ModsDir
			if len(args) == 1 {
				dir = args[0]
			}

			log.Info().Str("dir", dir).Msg("Validating mods")

			loader, err := mods.NewManifestLoader()
			if err != nil {
				return err
			}
			report, err := mods.NewDiscoverer(loader, log.Logger).Discover(dir)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			problems := 0
			for _, f := range report.Failures {
				problems++
				fmt.Fprintf(out, "invalid   %s: %v\n", f.Path, f.Err)
			}

			pol, err := newPolicyEngine(ctx, cfg, log.Logger)
			if err != nil {
				return err
			}
			admission, err := pol.Admit(ctx, report.Mods)
			if err != nil {
				return err
			}
			for _, d := range admission.Rejected {
				problems++
				for _, v := range d.Violations {
					fmt.Fprintf(out, "rejected  %s: %s: %s\n", d.ModID, v.Policy, v.Message)
				}
			}

			if _, err := mods.NewResolver(log.Logger).ResolveLoadOrder(report.Mods); err != nil {
				problems++
				fmt.Fprintf(out, "unresolved: %v\n", err)
			}

			if problems > 0 {
				return fmt.Errorf("%d problem(s) found in %s", problems, dir)
			}
			fmt.Fprintf(out, "%d mod(s) valid\n", len(report.Mods))
			return nil
		},
	}

	return cmd
}
