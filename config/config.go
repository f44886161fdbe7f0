// Package config centralises runtime configuration for the storekit engine.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Environment identifies the runtime environment where the engine operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// StorageBackend selects the durable key-value medium shared by contexts.
type StorageBackend string

const (
	// StorageMemory keeps durable records in-process; contexts must share the instance.
	StorageMemory StorageBackend = "memory"
	// StoragePostgres persists durable records in PostgreSQL via pgx.
	StoragePostgres StorageBackend = "postgres"
)

// CatalogSettings configures the remote catalog collaborator.
type CatalogSettings struct {
	BaseURL          string        `yaml:"base_url"`
	ProductsEndpoint string        `yaml:"products_endpoint"`
	RefreshInterval  time.Duration `yaml:"refresh_interval"`
}

// CacheSettings governs catalog cache freshness and sizing.
type CacheSettings struct {
	TTL            time.Duration `yaml:"ttl"`
	GraceTTL       time.Duration `yaml:"grace_ttl"`
	MemoryCapacity int           `yaml:"memory_capacity"`
}

// StorageSettings selects and sizes the durable store.
type StorageSettings struct {
	Backend     StorageBackend `yaml:"backend"`
	PostgresDSN string         `yaml:"postgres_dsn"`
	QuotaBytes  int64          `yaml:"quota_bytes"`
}

// SyncSettings tunes cross-context propagation.
type SyncSettings struct {
	RelayURL       string        `yaml:"relay_url"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	GuardWindow    time.Duration `yaml:"guard_window"`
	BufferSize     int           `yaml:"buffer_size"`
}

// FetchSettings tunes the resilient HTTP fetcher.
type FetchSettings struct {
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
}

// CheckoutSettings tunes pre-handoff validation.
type CheckoutSettings struct {
	PriceTolerance string `yaml:"price_tolerance"`
}

// TelemetrySettings configures the OpenTelemetry metric exporter.
type TelemetrySettings struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	ServiceName  string `yaml:"service_name"`
}

// Settings contains the engine configuration tree loaded from defaults and
// overrides.
type Settings struct {
	Environment Environment       `yaml:"environment"`
	Catalog     CatalogSettings   `yaml:"catalog"`
	Cache       CacheSettings     `yaml:"cache"`
	Storage     StorageSettings   `yaml:"storage"`
	Sync        SyncSettings      `yaml:"sync"`
	Fetch       FetchSettings     `yaml:"fetch"`
	Checkout    CheckoutSettings  `yaml:"checkout"`
	Telemetry   TelemetrySettings `yaml:"telemetry"`
}

// Default returns the default engine configuration.
func Default() Settings {
	return Settings{
		Environment: EnvProd,
		Catalog: CatalogSettings{
			BaseURL:          "",
			ProductsEndpoint: "/api/catalog/products",
			RefreshInterval:  5 * time.Minute,
		},
		Cache: CacheSettings{
			TTL:            5 * time.Minute,
			GraceTTL:       30 * time.Minute,
			MemoryCapacity: 50,
		},
		Storage: StorageSettings{
			Backend:     StorageMemory,
			PostgresDSN: "",
			QuotaBytes:  5 << 20,
		},
		Sync: SyncSettings{
			RelayURL:       "",
			DebounceWindow: 150 * time.Millisecond,
			GuardWindow:    100 * time.Millisecond,
			BufferSize:     16,
		},
		Fetch: FetchSettings{
			Timeout:        10 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			RatePerSecond:  5,
		},
		Checkout: CheckoutSettings{
			PriceTolerance: "0.01",
		},
		Telemetry: TelemetrySettings{
			OTLPEndpoint: "",
			ServiceName:  "storekit",
		},
	}
}

// FromEnv loads configuration values from environment variables, overriding
// defaults.
func FromEnv() Settings {
	cfg := Default()
	if env := strings.TrimSpace(os.Getenv("STOREKIT_ENV")); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(os.Getenv("STOREKIT_CATALOG_BASE_URL")); v != "" {
		cfg.Catalog.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("STOREKIT_CATALOG_PRODUCTS_ENDPOINT")); v != "" {
		cfg.Catalog.ProductsEndpoint = v
	}
	if d, ok := envDuration("STOREKIT_CATALOG_REFRESH_INTERVAL"); ok {
		cfg.Catalog.RefreshInterval = d
	}
	if d, ok := envDuration("STOREKIT_CACHE_TTL"); ok {
		cfg.Cache.TTL = d
	}
	if d, ok := envDuration("STOREKIT_CACHE_GRACE_TTL"); ok {
		cfg.Cache.GraceTTL = d
	}
	if n, ok := envInt("STOREKIT_CACHE_MEMORY_CAPACITY"); ok {
		cfg.Cache.MemoryCapacity = n
	}
	if v := strings.TrimSpace(os.Getenv("STOREKIT_STORAGE_BACKEND")); v != "" {
		cfg.Storage.Backend = StorageBackend(strings.ToLower(v))
	}
	if v := strings.TrimSpace(os.Getenv("STOREKIT_POSTGRES_DSN")); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if n, ok := envInt("STOREKIT_STORAGE_QUOTA_BYTES"); ok {
		cfg.Storage.QuotaBytes = int64(n)
	}
	if v := strings.TrimSpace(os.Getenv("STOREKIT_SYNC_RELAY_URL")); v != "" {
		cfg.Sync.RelayURL = v
	}
	if d, ok := envDuration("STOREKIT_SYNC_DEBOUNCE_WINDOW"); ok {
		cfg.Sync.DebounceWindow = d
	}
	if d, ok := envDuration("STOREKIT_SYNC_GUARD_WINDOW"); ok {
		cfg.Sync.GuardWindow = d
	}
	if d, ok := envDuration("STOREKIT_FETCH_TIMEOUT"); ok {
		cfg.Fetch.Timeout = d
	}
	if n, ok := envInt("STOREKIT_FETCH_MAX_ATTEMPTS"); ok {
		cfg.Fetch.MaxAttempts = n
	}
	if d, ok := envDuration("STOREKIT_FETCH_INITIAL_BACKOFF"); ok {
		cfg.Fetch.InitialBackoff = d
	}
	if v := strings.TrimSpace(os.Getenv("STOREKIT_OTLP_ENDPOINT")); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(os.Getenv("STOREKIT_SERVICE_NAME")); v != "" {
		cfg.Telemetry.ServiceName = v
	}
	return cfg
}

// Option mutates Settings when applied via Apply.
type Option func(*Settings)

// Apply applies the provided Option set to a copy of the base Settings.
func Apply(base Settings, opts ...Option) Settings {
	cfg := base
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}

// WithEnvironment configures the top-level environment.
func WithEnvironment(env Environment) Option {
	return func(s *Settings) {
		if env != "" {
			s.Environment = env
		}
	}
}

// WithCatalogBaseURL overrides the remote catalog base URL.
func WithCatalogBaseURL(baseURL string) Option {
	baseURL = strings.TrimSpace(baseURL)
	return func(s *Settings) {
		if baseURL != "" {
			s.Catalog.BaseURL = baseURL
		}
	}
}

// WithCacheWindows overrides the freshness and grace windows.
func WithCacheWindows(ttl, grace time.Duration) Option {
	return func(s *Settings) {
		if ttl > 0 {
			s.Cache.TTL = ttl
		}
		if grace > 0 {
			s.Cache.GraceTTL = grace
		}
	}
}

// WithMemoryCapacity overrides the ephemeral cache tier capacity.
func WithMemoryCapacity(capacity int) Option {
	return func(s *Settings) {
		if capacity > 0 {
			s.Cache.MemoryCapacity = capacity
		}
	}
}

// WithStorageBackend selects the durable store backend and its DSN.
func WithStorageBackend(backend StorageBackend, dsn string) Option {
	return func(s *Settings) {
		if backend != "" {
			s.Storage.Backend = backend
		}
		if dsn = strings.TrimSpace(dsn); dsn != "" {
			s.Storage.PostgresDSN = dsn
		}
	}
}

// WithSyncWindows overrides the debounce and remote-apply guard windows.
func WithSyncWindows(debounce, guard time.Duration) Option {
	return func(s *Settings) {
		if debounce > 0 {
			s.Sync.DebounceWindow = debounce
		}
		if guard > 0 {
			s.Sync.GuardWindow = guard
		}
	}
}

// WithFetchBudget overrides the retry budget for remote reads.
func WithFetchBudget(timeout time.Duration, attempts int, initialBackoff time.Duration) Option {
	return func(s *Settings) {
		if timeout > 0 {
			s.Fetch.Timeout = timeout
		}
		if attempts > 0 {
			s.Fetch.MaxAttempts = attempts
		}
		if initialBackoff > 0 {
			s.Fetch.InitialBackoff = initialBackoff
		}
	}
}

func envDuration(name string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, false
	}
	return d, true
}

func envInt(name string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
