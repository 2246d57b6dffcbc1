package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/factsync/factsync/pkg/config"
	"github.com/factsync/factsync/pkg/stores"
)

// resolveConfigPath returns the --config value or the default file name.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultFileName
}

// loadConfig reads the config file. Without --config a missing default file
// falls back to the built-in defaults.
func loadConfig() (*config.Config, error) {
	path := resolveConfigPath()

	cfg, err := config.Load(path)
	if err == nil {
		log.Debug().Str("config", path).Msg("Loaded configuration")
		return cfg, nil
	}

	if configPath == "" && errors.Is(err, fs.ErrNotExist) {
		log.Debug().Msg("No config file, using defaults")
		return config.Default(), nil
	}
	return nil, err
}

// openStore opens and migrates the configured store, creating the data
// directory first.
func openStore(ctx context.Context, cfg *config.Config) (stores.Store, error) {
	sc := cfg.StoreConfig()
	if sc.Driver != stores.DriverMemory {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory %s: %w", cfg.DataDir, err)
		}
	}

	store, err := stores.Open(ctx, sc, stores.WithLogger(log.Logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", sc.Driver, err)
	}
	return store, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
