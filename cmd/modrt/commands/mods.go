package commands

import (
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tessera/modrt/pkg/mods"
	"github.com/tessera/modrt/pkg/stores"
)

func newModsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mods",
		Short: "List, enable and disable mods",
		Long: `Inspect installed mods and change which of them boot.

Enablement is stored in the state database and survives restarts.
A disabled mod stays installed but is skipped by 'modrt run'.`,
	}

	cmd.AddCommand(newModsListCommand())
	cmd.AddCommand(newModsToggleCommand("enable", true))
	cmd.AddCommand(newModsToggleCommand("disable", false))

	return cmd
}

func newModsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Short:   "List installed mods and their state",
		Example: `  modrt mods list`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			states, err := store.List(ctx)
			if err != nil {
				return err
			}
			byID := make(map[string]*stores.ModState, len(states))
			for _, s := range states {
				byID[s.ID] = s
			}

			loader, err := mods.NewManifestLoader()
			if err != nil {
				return err
			}
			report, err := mods.NewDiscoverer(loader, log.Logger).Discover(cfg.ModsDir)
			if err != nil {
				return err
			}
			installed := make(map[string]mods.Mod, len(report.Mods))
			ids := make([]string, 0, len(report.Mods)+len(states))
			for _, m := range report.Mods {
				installed[m.ID()] = m
				ids = append(ids, m.ID())
			}
			for _, s := range states {
				if _, ok := installed[s.ID]; !ok {
					ids = append(ids, s.ID)
				}
			}
			sort.Strings(ids)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tVERSION\tKIND\tENABLED\tLAST LOAD")
			for _, id := range ids {
				version, kind, enabled, last := "-", "-", "yes", "-"
				if m, ok := installed[id]; ok {
					version = m.Metadata.Version.String()
					kind = m.Kind()
				} else {
					kind = "missing"
				}
				if s, ok := byID[id]; ok {
					if version == "-" && s.Version != "" {
						version = s.Version
					}
					if !s.Enabled {
						enabled = "no"
					}
					if s.Loaded() {
						last = "#" + strconv.Itoa(*s.LoadIndex+1)
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", id, version, kind, enabled, last)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			if boot, err := store.LastBoot(ctx); err == nil && boot != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "\nLast boot %s at %s loaded %d mod(s)\n",
					boot.ID, boot.StartedAt.Format("2006-01-02 15:04:05"), boot.ModCount)
			}
			return nil
		},
	}
}

func newModsToggleCommand(verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:     verb + " <id>",
		Short:   fmt.Sprintf("%s a mod on the next boot", capitalize(verb)),
		Example: fmt.Sprintf("  modrt mods %s example.addon", verb),
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.SetEnabled(ctx, args[0], enabled); err != nil {
				return err
			}
			log.Info().Str("mod", args[0]).Bool("enabled", enabled).Msg("Mod state updated")
			fmt.Fprintf(cmd.OutOrStdout(), "%s %sd\n", args[0], verb)
			return nil
		},
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}
