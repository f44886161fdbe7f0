package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// fileSettings mirrors Settings with string-encoded durations so yaml files
// can use forms like "5m" or "150ms".
type fileSettings struct {
	Environment string `yaml:"environment"`
	Catalog     struct {
		BaseURL          string `yaml:"base_url"`
		ProductsEndpoint string `yaml:"products_endpoint"`
		RefreshInterval  string `yaml:"refresh_interval"`
	} `yaml:"catalog"`
	Cache struct {
		TTL            string `yaml:"ttl"`
		GraceTTL       string `yaml:"grace_ttl"`
		MemoryCapacity int    `yaml:"memory_capacity"`
	} `yaml:"cache"`
	Storage struct {
		Backend     string `yaml:"backend"`
		PostgresDSN string `yaml:"postgres_dsn"`
		QuotaBytes  int64  `yaml:"quota_bytes"`
	} `yaml:"storage"`
	Sync struct {
		RelayURL       string `yaml:"relay_url"`
		DebounceWindow string `yaml:"debounce_window"`
		GuardWindow    string `yaml:"guard_window"`
		BufferSize     int    `yaml:"buffer_size"`
	} `yaml:"sync"`
	Fetch struct {
		Timeout        string  `yaml:"timeout"`
		MaxAttempts    int     `yaml:"max_attempts"`
		InitialBackoff string  `yaml:"initial_backoff"`
		RatePerSecond  float64 `yaml:"rate_per_second"`
	} `yaml:"fetch"`
	Checkout struct {
		PriceTolerance string `yaml:"price_tolerance"`
	} `yaml:"checkout"`
	Telemetry struct {
		OTLPEndpoint string `yaml:"otlp_endpoint"`
		ServiceName  string `yaml:"service_name"`
	} `yaml:"telemetry"`
}

// LoadFile reads a yaml settings file and layers it over the defaults.
// Fields absent from the file keep their default values.
func LoadFile(path string) (Settings, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("read config file: %w", err)
	}
	var file fileSettings
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return Settings{}, fmt.Errorf("parse config file: %w", err)
	}
	cfg := Default()
	applyFile(&cfg, file)
	return cfg, nil
}

// LoadOrDefault loads settings from path when the file exists, otherwise
// falls back to environment-derived defaults. The boolean reports whether a
// file was used.
func LoadOrDefault(path string) (Settings, bool, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return FromEnv(), false, nil
		}
		return Settings{}, false, err
	}
	return cfg, true, nil
}

func applyFile(cfg *Settings, file fileSettings) {
	if env := strings.TrimSpace(file.Environment); env != "" {
		cfg.Environment = Environment(strings.ToLower(env))
	}
	if v := strings.TrimSpace(file.Catalog.BaseURL); v != "" {
		cfg.Catalog.BaseURL = v
	}
	if v := strings.TrimSpace(file.Catalog.ProductsEndpoint); v != "" {
		cfg.Catalog.ProductsEndpoint = v
	}
	setDuration(&cfg.Catalog.RefreshInterval, file.Catalog.RefreshInterval)
	setDuration(&cfg.Cache.TTL, file.Cache.TTL)
	setDuration(&cfg.Cache.GraceTTL, file.Cache.GraceTTL)
	if file.Cache.MemoryCapacity > 0 {
		cfg.Cache.MemoryCapacity = file.Cache.MemoryCapacity
	}
	if v := strings.TrimSpace(file.Storage.Backend); v != "" {
		cfg.Storage.Backend = StorageBackend(strings.ToLower(v))
	}
	if v := strings.TrimSpace(file.Storage.PostgresDSN); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if file.Storage.QuotaBytes > 0 {
		cfg.Storage.QuotaBytes = file.Storage.QuotaBytes
	}
	if v := strings.TrimSpace(file.Sync.RelayURL); v != "" {
		cfg.Sync.RelayURL = v
	}
	setDuration(&cfg.Sync.DebounceWindow, file.Sync.DebounceWindow)
	setDuration(&cfg.Sync.GuardWindow, file.Sync.GuardWindow)
	if file.Sync.BufferSize > 0 {
		cfg.Sync.BufferSize = file.Sync.BufferSize
	}
	setDuration(&cfg.Fetch.Timeout, file.Fetch.Timeout)
	if file.Fetch.MaxAttempts > 0 {
		cfg.Fetch.MaxAttempts = file.Fetch.MaxAttempts
	}
	setDuration(&cfg.Fetch.InitialBackoff, file.Fetch.InitialBackoff)
	if file.Fetch.RatePerSecond > 0 {
		cfg.Fetch.RatePerSecond = file.Fetch.RatePerSecond
	}
	if v := strings.TrimSpace(file.Checkout.PriceTolerance); v != "" {
		cfg.Checkout.PriceTolerance = v
	}
	if v := strings.TrimSpace(file.Telemetry.OTLPEndpoint); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := strings.TrimSpace(file.Telemetry.ServiceName); v != "" {
		cfg.Telemetry.ServiceName = v
	}
}

func setDuration(dst *time.Duration, raw string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		*dst = d
	}
}
