// Package config loads zonemap-server settings from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/signalsfoundry/coverage-zones/internal/observability"
	"github.com/signalsfoundry/coverage-zones/providers"
)

// Defaults applied when the matching variable is unset.
const (
	DefaultHTTPAddr       = ":8080"
	DefaultMetricsAddr    = ":9090"
	DefaultProvidersPath  = "providers.json"
	DefaultReloadInterval = time.Minute
)

// Config holds the server settings.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	ProviderSource string
	ProvidersPath  string
	DatabaseDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration

	// ReloadInterval is how often providers are re-fetched; zero disables
	// periodic reloads.
	ReloadInterval time.Duration

	LogLevel  string
	LogFormat string

	Tracing observability.TracingConfig
}

// LoadDotEnv reads .env files into the process environment. Missing files
// are ignored and existing variables are never overwritten.
func LoadDotEnv(files ...string) {
	if len(files) == 0 {
		files = []string{".env", filepath.Join("data", "env", ".env")}
	}
	for _, f := range files {
		_ = godotenv.Load(f)
	}
}

// FromEnv builds a Config from the environment.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

// Load runs LoadDotEnv and then FromEnv.
func Load(files ...string) (Config, error) {
	LoadDotEnv(files...)
	return FromEnv()
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	get := func(key, def string) string {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return def
	}

	cfg := Config{
		HTTPAddr:       get("ZONEMAP_HTTP_ADDR", DefaultHTTPAddr),
		MetricsAddr:    get("ZONEMAP_METRICS_ADDR", DefaultMetricsAddr),
		ProviderSource: strings.ToLower(get("ZONEMAP_PROVIDER_SOURCE", providers.SourceFile)),
		ProvidersPath:  get("ZONEMAP_PROVIDERS_PATH", DefaultProvidersPath),
		DatabaseDSN:    get("ZONEMAP_DATABASE_DSN", ""),
		RedisAddr:      get("ZONEMAP_REDIS_ADDR", ""),
		RedisPassword:  get("ZONEMAP_REDIS_PASSWORD", ""),
		RedisTTL:       providers.DefaultCacheTTL,
		ReloadInterval: DefaultReloadInterval,
		LogLevel:       get("LOG_LEVEL", "info"),
		LogFormat:      get("LOG_FORMAT", "text"),
		Tracing:        observability.TracingConfigFromLookup(lookup),
	}

	if v := get("ZONEMAP_REDIS_DB", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("ZONEMAP_REDIS_DB: invalid value %q", v)
		}
		cfg.RedisDB = n
	}
	if v := get("ZONEMAP_REDIS_TTL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("ZONEMAP_REDIS_TTL: invalid duration %q", v)
		}
		cfg.RedisTTL = d
	}
	if v := get("ZONEMAP_RELOAD_INTERVAL", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, fmt.Errorf("ZONEMAP_RELOAD_INTERVAL: invalid duration %q", v)
		}
		cfg.ReloadInterval = d
	}

	switch cfg.ProviderSource {
	case providers.SourceFile, providers.SourceSQLite, providers.SourcePostgres:
	default:
		return Config{}, fmt.Errorf("ZONEMAP_PROVIDER_SOURCE: %w: %q", providers.ErrUnsupportedSource, cfg.ProviderSource)
	}
	if cfg.ProviderSource == providers.SourcePostgres && cfg.DatabaseDSN == "" {
		return Config{}, fmt.Errorf("ZONEMAP_DATABASE_DSN is required for the %s source", providers.SourcePostgres)
	}
	cfg.Tracing.ProviderSource = cfg.ProviderSource
	return cfg, nil
}

// ProviderConfig maps the settings onto a providers.Config.
func (c Config) ProviderConfig() providers.Config {
	return providers.Config{
		Kind:          c.ProviderSource,
		Path:          c.ProvidersPath,
		DSN:           c.DatabaseDSN,
		RedisAddr:     c.RedisAddr,
		RedisPassword: c.RedisPassword,
		RedisDB:       c.RedisDB,
		CacheTTL:      c.RedisTTL,
	}
}
