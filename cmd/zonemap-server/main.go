package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/signalsfoundry/coverage-zones/internal/config"
	"github.com/signalsfoundry/coverage-zones/internal/livemap"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/internal/observability"
	"github.com/signalsfoundry/coverage-zones/kb"
	"github.com/signalsfoundry/coverage-zones/mapengine"
	"github.com/signalsfoundry/coverage-zones/model"
	"github.com/signalsfoundry/coverage-zones/providers"
	"github.com/signalsfoundry/coverage-zones/zonemap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewFromEnv().Error(context.Background(), "invalid configuration", logging.Err(err))
		os.Exit(2)
	}

	flag.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "HTTP address for the map API and websocket")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "HTTP address for Prometheus /metrics (empty disables)")
	flag.StringVar(&cfg.ProviderSource, "source", cfg.ProviderSource, "provider source: file, sqlite or postgres")
	flag.StringVar(&cfg.ProvidersPath, "providers", cfg.ProvidersPath, "providers document, or sqlite database file")
	flag.DurationVar(&cfg.ReloadInterval, "reload", cfg.ReloadInterval, "provider reload interval (0 disables)")
	flag.Parse()
	cfg.Tracing.ProviderSource = cfg.ProviderSource

	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Error(ctx, "failed to initialise tracing", logging.Err(err))
		os.Exit(1)
	}
	defer observability.ShutdownWithTimeout(context.Background(), shutdownTracing, log)

	lis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		log.Error(ctx, "failed to listen", logging.String("addr", cfg.HTTPAddr), logging.Err(err))
		os.Exit(1)
	}

	if err := run(ctx, cfg, log, lis); err != nil {
		log.Error(ctx, "zonemap server exited", logging.Err(err))
		os.Exit(1)
	}
}

// run serves the map on lis until ctx is cancelled.
func run(ctx context.Context, cfg config.Config, log logging.Logger, lis net.Listener) error {
	reg := prometheus.NewRegistry()
	collector, err := observability.NewZoneMapCollector(reg)
	if err != nil {
		return err
	}
	reloads, err := observability.NewReloadCollector(reg)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(cfg.MetricsAddr, collector, log)

	source, closeSource, err := providers.Open(ctx, cfg.ProviderConfig(), log)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeSource(); err != nil {
			log.Warn(context.Background(), "closing provider source", logging.Err(err))
		}
	}()

	engine := mapengine.NewMemory()
	hub := livemap.NewHub(engine, log)
	defer hub.Close()

	srv := newServer(engine, hub, collector, reloads, log)
	defer srv.ctrl.Close()

	if err := srv.reload(ctx, source); err != nil {
		// Keep serving; the next tick or POST /api/reload retries.
		log.Warn(ctx, "initial provider load failed", logging.Err(err))
	}

	httpSrv := &http.Server{
		Handler:           srv.routes(source),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "serving zone map", logging.String("addr", lis.Addr().String()))
		if err := httpSrv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	if cfg.ReloadInterval > 0 {
		go srv.reloadLoop(ctx, source, cfg.ReloadInterval)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	log.Info(context.Background(), "shutting down zone map server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub.Close()
	_ = httpSrv.Shutdown(shutdownCtx)
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return serveErr
}

func serveMetrics(addr string, collector *observability.ZoneMapCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}

// server ties the provider store, the controller and the live map
// together behind the HTTP API.
type server struct {
	engine    *mapengine.Memory
	hub       *livemap.Hub
	ctrl      *zonemap.Controller
	store     *kb.KnowledgeBase
	collector *observability.ZoneMapCollector
	reloads   *observability.ReloadCollector
	log       logging.Logger

	// reloadMu serialises fetch+load passes.
	reloadMu sync.Mutex
}

func newServer(engine *mapengine.Memory, hub *livemap.Hub, collector *observability.ZoneMapCollector, reloads *observability.ReloadCollector, log logging.Logger) *server {
	s := &server{
		engine:    engine,
		hub:       hub,
		store:     kb.NewKnowledgeBase(),
		collector: collector,
		reloads:   reloads,
		log:       log,
	}
	s.ctrl = zonemap.New(engine,
		zonemap.WithLogger(log),
		zonemap.WithMetrics(collector),
	)
	s.store.Subscribe(func(kb.Event) {
		s.reloads.SetStoredProviders(s.store.Len())
	})
	return s
}

// providerView is the JSON shape of a provider in API responses and
// live notices.
type providerView struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Color        string   `json:"color,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	Zones        []string `json:"zones"`
}

func viewsOf(list []*model.Provider) []providerView {
	out := make([]providerView, 0, len(list))
	for _, p := range list {
		out = append(out, providerView{
			ID:           p.ID,
			Name:         p.Name,
			Color:        p.Color,
			Technologies: p.Technologies,
			Zones:        p.ZoneIDs(),
		})
	}
	return out
}

func (s *server) onSelectProvider(p *model.Provider) {
	s.log.Info(context.Background(), "provider selected", logging.String("provider_id", p.ID))
	if err := s.hub.Notify("selectProvider", viewsOf([]*model.Provider{p})[0]); err != nil {
		s.log.Warn(context.Background(), "notify selection failed", logging.Err(err))
	}
}

func (s *server) onZoneMultiProviderClick(list []*model.Provider, zone *model.Zone) {
	s.log.Info(context.Background(), "zone providers listed",
		logging.String("zone_id", zone.ID), logging.Int("providers", len(list)))
	payload := struct {
		Zone      string         `json:"zone"`
		ZoneName  string         `json:"zoneName,omitempty"`
		Providers []providerView `json:"providers"`
	}{zone.ID, zone.Name, viewsOf(list)}
	if err := s.hub.Notify("zoneProviders", payload); err != nil {
		s.log.Warn(context.Background(), "notify zone providers failed", logging.Err(err))
	}
}

// reload fetches providers from source into the store and re-renders the
// map with the current filters.
func (s *server) reload(ctx context.Context, source providers.Fetcher) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	start := time.Now()
	list, err := source.FetchProviders(ctx)
	s.reloads.ObserveFetch(time.Since(start))
	if err != nil {
		s.reloads.IncReloadFailures()
		return err
	}
	if err := s.store.ReplaceProviders(list); err != nil {
		s.reloads.IncReloadFailures()
		return err
	}
	if _, err := s.ctrl.LoadProvidersOnMap(ctx, s.store, s.ctrl.Filters(), s.onSelectProvider, s.onZoneMultiProviderClick); err != nil {
		s.reloads.IncReloadFailures()
		return err
	}
	s.reloads.MarkReload(time.Now())
	return nil
}

func (s *server) reloadLoop(ctx context.Context, source providers.Fetcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.reload(ctx, source); err != nil && ctx.Err() == nil {
				s.log.Warn(ctx, "provider reload failed", logging.Err(err))
			}
		}
	}
}

func (s *server) routes(source providers.Fetcher) http.Handler {
	mux := http.NewServeMux()
	handle := func(pattern, route string, h http.HandlerFunc) {
		mux.Handle(pattern, observability.TraceHTTP(route, s.collector.Instrument(route, h)))
	}

	mux.Handle("GET /ws", s.collector.Instrument("/ws", s.hub))
	handle("GET /snapshot.png", "/snapshot.png", s.handleSnapshot)
	handle("GET /api/filters", "/api/filters", s.handleGetFilters)
	handle("POST /api/filters", "/api/filters", s.handleSetFilters)
	handle("GET /api/zones/{id}/providers", "/api/zones/{id}/providers", s.handleZoneProviders)
	handle("POST /api/selection-mode", "/api/selection-mode", s.handleSelectionMode)
	handle("GET /api/state", "/api/state", s.handleState)
	handle("POST /api/reload", "/api/reload", func(w http.ResponseWriter, r *http.Request) {
		if err := s.reload(r.Context(), source); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	handle("DELETE /api/layers", "/api/layers", func(w http.ResponseWriter, r *http.Request) {
		if err := s.ctrl.ClearProviderLayers(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	vp := mapengine.Viewport{Width: 800, Height: 600}
	if v, err := strconv.Atoi(r.URL.Query().Get("w")); err == nil && v > 0 && v <= 4096 {
		vp.Width = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("h")); err == nil && v > 0 && v <= 4096 {
		vp.Height = v
	}
	w.Header().Set("Content-Type", "image/png")
	if err := s.engine.RenderPNG(w, vp); err != nil {
		s.log.Warn(r.Context(), "snapshot failed", logging.Err(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *server) handleGetFilters(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctrl.Filters())
}

func (s *server) handleSetFilters(w http.ResponseWriter, r *http.Request) {
	var filters model.FilterState
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&filters); err != nil {
		http.Error(w, "invalid filters: "+err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.ctrl.RefreshVisibility(r.Context(), s.store.ListProviders(), filters); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleZoneProviders(w http.ResponseWriter, r *http.Request) {
	zoneID := r.PathValue("id")
	list := zonemap.GetProvidersForZone(zoneID, s.store.ListProviders(), s.ctrl.Filters(), nil)
	writeJSON(w, viewsOf(list))
}

func (s *server) handleSelectionMode(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&body); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.ctrl.SetSelectionMode(body.Enabled)
	writeJSON(w, body)
}

func (s *server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(s.ctrl.DumpState()))
}
