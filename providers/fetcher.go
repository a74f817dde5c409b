// Package providers supplies provider lists, with their zone relations and
// zone geometries, to the zone map controller.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/model"
)

// ErrUnsupportedSource indicates an unknown provider source kind.
var ErrUnsupportedSource = errors.New("unsupported provider source")

// Fetcher returns the current provider list, each provider pre-populated
// with its zone relations and zone geometries.
type Fetcher interface {
	FetchProviders(ctx context.Context) ([]*model.Provider, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]*model.Provider, error)

// FetchProviders implements Fetcher.
func (f FetcherFunc) FetchProviders(ctx context.Context) ([]*model.Provider, error) {
	return f(ctx)
}

// Source kinds accepted by Open.
const (
	SourceFile     = "file"
	SourceSQLite   = "sqlite"
	SourcePostgres = "postgres"
)

// Config selects and configures a provider source.
type Config struct {
	Kind string // file | sqlite | postgres
	Path string // providers document, or sqlite database file
	DSN  string // postgres connection string

	// RedisAddr enables a redis cache in front of the source when set.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration
}

// Open builds the configured source. The returned close function releases
// database and cache connections and is never nil.
func Open(ctx context.Context, cfg Config, log logging.Logger) (Fetcher, func() error, error) {
	if log == nil {
		log = logging.Noop()
	}
	var (
		fetcher Fetcher
		closers []func() error
	)

	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case "", SourceFile:
		if cfg.Path == "" {
			return nil, nil, fmt.Errorf("provider source %s: path required", SourceFile)
		}
		fetcher = &FileSource{Path: cfg.Path}
	case SourceSQLite, SourcePostgres:
		driver, dsn := DriverSQLite, cfg.Path
		if strings.EqualFold(cfg.Kind, SourcePostgres) {
			driver, dsn = DriverPostgres, cfg.DSN
		}
		src, err := OpenSQL(ctx, driver, dsn)
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, src.Close)
		fetcher = src
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedSource, cfg.Kind)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		closers = append(closers, client.Close)
		fetcher = NewCachedSource(fetcher, client, cfg.CacheTTL, log)
		log.Debug(ctx, "provider cache enabled", logging.String("redis_addr", cfg.RedisAddr))
	}

	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return fetcher, closeAll, nil
}
