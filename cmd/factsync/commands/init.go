package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/factsync/factsync/pkg/config"
	"github.com/factsync/factsync/pkg/stores"
)

func newInitCommand() *cobra.Command {
	var (
		dataDir string
		driver  string
		force   bool
	)

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a factsync workspace",
		Long: `Initialize a factsync workspace: a data directory, a default
configuration file and a migrated knowledge store.`,
		Example: `  # Initialize with SQLite in ./.factsync
  factsync init

  # Use Badger and a custom config path
  factsync init --driver badger --config /etc/factsync/factsync.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := resolveConfigPath()
			out := cmd.OutOrStdout()

			log.Info().
				Str("config", path).
				Str("data_dir", dataDir).
				Str("driver", driver).
				Msg("Initializing workspace")

			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			}

			cfg := config.Default()
			cfg.DataDir = dataDir
			cfg.Store.Driver = stores.Driver(driver)
			switch cfg.Store.Driver {
			case stores.DriverBadger:
				cfg.Store.Path = "badger"
			case stores.DriverMemory:
				cfg.Store.Path = ""
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}

			if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
				return fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
			}

			store, err := openStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if err := store.Close(); err != nil {
				return fmt.Errorf("failed to close store: %w", err)
			}

			if err := cfg.Write(path); err != nil {
				return err
			}

			if jsonOutput {
				return printJSON(out, map[string]any{
					"config":   path,
					"data_dir": cfg.DataDir,
					"driver":   cfg.Store.Driver,
					"store":    cfg.StoreConfig().Path,
				})
			}

			fmt.Fprintf(out, "✓ Created data directory: %s\n", cfg.DataDir)
			fmt.Fprintf(out, "✓ Initialized %s store: %s\n", cfg.Store.Driver, cfg.StoreConfig().Path)
			fmt.Fprintf(out, "✓ Created config file: %s\n", path)
			fmt.Fprintf(out, "\nNext steps:\n")
			fmt.Fprintf(out, "  factsync simulate --instances 100 --complete\n")
			fmt.Fprintf(out, "  factsync facts list\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", config.DefaultDataDir, "data directory")
	cmd.Flags().StringVar(&driver, "driver", string(stores.DriverSQLite), "store driver (memory, sqlite, badger)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	return cmd
}
