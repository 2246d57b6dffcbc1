package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factsync/factsync/pkg/stores"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, stores.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, filepath.Join(DefaultDataDir, "facts.db"), cfg.StoreConfig().Path)
}

func TestWriteLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", DefaultFileName)

	cfg := Default()
	cfg.DataDir = "/var/lib/factsync"
	cfg.Store.Driver = stores.DriverBadger
	cfg.Store.Path = "badger"
	cfg.Store.SyncWrites = true
	cfg.Cache.Shards = 16
	cfg.Policy.Paths = []string{"policies"}
	cfg.Policy.Disabled = []string{"variable-count"}
	require.NoError(t, cfg.Write(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.Equal(t, "/var/lib/factsync/badger", loaded.StoreConfig().Path)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultFileName)
	require.NoError(t, os.WriteFile(path, []byte("store:\n  driver: memory\ncache:\n  shards: 8\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, stores.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 8, cfg.Cache.Shards)
	assert.Equal(t, DefaultDataDir, cfg.DataDir)
	assert.True(t, cfg.Policy.Enabled)
	assert.Equal(t, "factsync", cfg.Telemetry.ServiceName)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("store: [unclosed"), 0o644))
	_, err = Load(bad)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "etcd" }, wantErr: "Store.Driver failed oneof"},
		{name: "zero shards", mutate: func(c *Config) { c.Cache.Shards = 0 }, wantErr: "Cache.Shards failed min"},
		{name: "too many shards", mutate: func(c *Config) { c.Cache.Shards = 10000 }, wantErr: "Cache.Shards failed max"},
		{name: "empty data dir", mutate: func(c *Config) { c.DataDir = "" }, wantErr: "DataDir failed required"},
		{name: "empty policy path", mutate: func(c *Config) { c.Policy.Paths = []string{""} }, wantErr: "Policy.Paths[0] failed required"},
		{name: "sqlite without path", mutate: func(c *Config) { c.Store.Path = "" }, wantErr: "store.path is required"},
		{name: "otlp without endpoint", mutate: func(c *Config) {
			c.Telemetry.Tracing.Enabled = true
			c.Telemetry.Tracing.Exporter = "otlp"
		}, wantErr: "telemetry"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestStoreConfig_Paths(t *testing.T) {
	cfg := Default()

	cfg.Store.Path = ":memory:"
	assert.Equal(t, ":memory:", cfg.StoreConfig().Path)

	cfg.Store.Path = "/abs/facts.db"
	assert.Equal(t, "/abs/facts.db", cfg.StoreConfig().Path)

	cfg.Store.Driver = stores.DriverBadger
	cfg.Store.Path = ""
	assert.Empty(t, cfg.StoreConfig().Path)
}
