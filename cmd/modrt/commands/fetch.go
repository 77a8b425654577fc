package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/tessera/modrt/pkg/executor"
	"github.com/tessera/modrt/pkg/fetch"
)

func newFetchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch <sftp-url> <id>...",
		Short: "Install mods from an SFTP repository",
		Long: `Download mod directories from an SFTP repository into the mods
directory.

The URL names a remote directory holding one subdirectory per mod. Each
mod is downloaded into a staging directory, its manifest is checked and
only then is it moved into place, replacing any installed version.

Authentication uses the fetch section of the configuration or the
MODRT_FETCH_* environment variables. Passwords in the URL are rejected.`,
		Example: `  # Install two mods
  modrt fetch sftp://mods@repo.example.com/srv/mods example.core example.addon

  # Use a non-standard port
  modrt fetch sftp://repo.example.com:2222/mods example.core`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			src, err := fetch.ParseURL(args[0])
			if err != nil {
				return err
			}

			exec := executor.NewService(cfg.Executor, log.Logger)
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = exec.Shutdown(sctx)
			}()

			fetcher, err := fetch.New(cfg.Fetch, log.Logger, fetch.WithExecutor(exec))
			if err != nil {
				return err
			}

			log.Info().
				Str("source", src.String()).
				Strs("mods", args[1:]).
				Str("mods_dir", cfg.ModsDir).
				Msg("Fetching mods")

			results, err := fetcher.Fetch(ctx, src, cfg.ModsDir, args[1:])
			out := cmd.OutOrStdout()
			for _, r := range results {
				fmt.Fprintf(out, "installed %s %s (%d files, %d bytes) -> %s\n",
					r.ModID, r.Version, r.Files, r.Bytes, r.Path)
			}
			return err
		},
	}

	return cmd
}
