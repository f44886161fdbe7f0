package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultsAreSane(t *testing.T) {
	cfg := Default()
	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, 5*time.Minute, cfg.Cache.TTL)
	require.Equal(t, 30*time.Minute, cfg.Cache.GraceTTL)
	require.Equal(t, 50, cfg.Cache.MemoryCapacity)
	require.Equal(t, StorageMemory, cfg.Storage.Backend)
	require.Equal(t, int64(5<<20), cfg.Storage.QuotaBytes)
	require.Equal(t, 150*time.Millisecond, cfg.Sync.DebounceWindow)
	require.Equal(t, 100*time.Millisecond, cfg.Sync.GuardWindow)
	require.Equal(t, 3, cfg.Fetch.MaxAttempts)
	require.Equal(t, 500*time.Millisecond, cfg.Fetch.InitialBackoff)
	require.Equal(t, "0.01", cfg.Checkout.PriceTolerance)
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("STOREKIT_ENV", "Staging")
	t.Setenv("STOREKIT_CATALOG_BASE_URL", "https://shop.example.com")
	t.Setenv("STOREKIT_CACHE_TTL", "90s")
	t.Setenv("STOREKIT_STORAGE_BACKEND", "postgres")
	t.Setenv("STOREKIT_POSTGRES_DSN", "postgres://localhost/storekit")
	t.Setenv("STOREKIT_SYNC_DEBOUNCE_WINDOW", "200ms")
	t.Setenv("STOREKIT_FETCH_MAX_ATTEMPTS", "5")

	cfg := FromEnv()
	require.Equal(t, EnvStaging, cfg.Environment)
	require.Equal(t, "https://shop.example.com", cfg.Catalog.BaseURL)
	require.Equal(t, 90*time.Second, cfg.Cache.TTL)
	require.Equal(t, StoragePostgres, cfg.Storage.Backend)
	require.Equal(t, "postgres://localhost/storekit", cfg.Storage.PostgresDSN)
	require.Equal(t, 200*time.Millisecond, cfg.Sync.DebounceWindow)
	require.Equal(t, 5, cfg.Fetch.MaxAttempts)
}

func TestFromEnvIgnoresInvalidValues(t *testing.T) {
	t.Setenv("STOREKIT_CACHE_TTL", "not-a-duration")
	t.Setenv("STOREKIT_FETCH_MAX_ATTEMPTS", "many")

	cfg := FromEnv()
	require.Equal(t, Default().Cache.TTL, cfg.Cache.TTL)
	require.Equal(t, Default().Fetch.MaxAttempts, cfg.Fetch.MaxAttempts)
}

func TestLoadFileLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storekit.yaml")
	content := `
environment: dev
catalog:
  base_url: https://shop.example.com
  refresh_interval: 2m
cache:
  ttl: 1m
  memory_capacity: 10
sync:
  relay_url: ws://relay.internal:8090/sync
  debounce_window: 75ms
checkout:
  price_tolerance: "0.05"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "https://shop.example.com", cfg.Catalog.BaseURL)
	require.Equal(t, 2*time.Minute, cfg.Catalog.RefreshInterval)
	require.Equal(t, time.Minute, cfg.Cache.TTL)
	require.Equal(t, 10, cfg.Cache.MemoryCapacity)
	require.Equal(t, "ws://relay.internal:8090/sync", cfg.Sync.RelayURL)
	require.Equal(t, 75*time.Millisecond, cfg.Sync.DebounceWindow)
	require.Equal(t, "0.05", cfg.Checkout.PriceTolerance)

	// untouched fields keep defaults
	require.Equal(t, 30*time.Minute, cfg.Cache.GraceTTL)
	require.Equal(t, 3, cfg.Fetch.MaxAttempts)
}

func TestLoadOrDefaultFallsBackWhenMissing(t *testing.T) {
	cfg, fromFile, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.False(t, fromFile)
	require.Equal(t, Default(), cfg)
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cache: ["), 0o600))
	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestOptionsApplyOnTopOfBase(t *testing.T) {
	cfg := Apply(Default(),
		WithEnvironment(EnvDev),
		WithCatalogBaseURL("https://shop.example.com"),
		WithCacheWindows(time.Minute, 10*time.Minute),
		WithMemoryCapacity(7),
		WithStorageBackend(StoragePostgres, "postgres://localhost/storekit"),
		WithSyncWindows(80*time.Millisecond, 40*time.Millisecond),
		WithFetchBudget(3*time.Second, 4, 250*time.Millisecond),
	)
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, "https://shop.example.com", cfg.Catalog.BaseURL)
	require.Equal(t, time.Minute, cfg.Cache.TTL)
	require.Equal(t, 10*time.Minute, cfg.Cache.GraceTTL)
	require.Equal(t, 7, cfg.Cache.MemoryCapacity)
	require.Equal(t, StoragePostgres, cfg.Storage.Backend)
	require.Equal(t, 80*time.Millisecond, cfg.Sync.DebounceWindow)
	require.Equal(t, 40*time.Millisecond, cfg.Sync.GuardWindow)
	require.Equal(t, 4, cfg.Fetch.MaxAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Fetch.InitialBackoff)

	// zero-valued options leave the base untouched
	same := Apply(Default(), WithMemoryCapacity(0), WithCacheWindows(0, 0))
	require.Equal(t, Default(), same)
}
