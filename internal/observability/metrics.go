package observability

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ZoneMapCollector bundles Prometheus metrics for the zone map controller
// and the HTTP surface in front of it. It satisfies zonemap.MetricsRecorder.
type ZoneMapCollector struct {
	gatherer prometheus.Gatherer

	ZonesRendered      prometheus.Gauge
	ProvidersLoaded    prometheus.Gauge
	PopupsShown        prometheus.Counter
	ClickDispatch      *prometheus.CounterVec
	DedupeSuppressed   prometheus.Counter
	RefreshDuration    prometheus.Histogram
	RefreshSkipped     prometheus.Counter
	MalformedRelations prometheus.Counter

	HTTPRequests  *prometheus.CounterVec
	HTTPDurations *prometheus.HistogramVec
}

// NewZoneMapCollector registers zone map metrics against the provided
// registerer, defaulting to the global Prometheus registry when nil.
// Registering twice against the same registry reuses the existing
// collectors.
func NewZoneMapCollector(reg prometheus.Registerer) (*ZoneMapCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	zones, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonemap_zones_rendered",
		Help: "Number of zones with layers on the map after the last load.",
	}), "zonemap_zones_rendered")
	if err != nil {
		return nil, err
	}
	loaded, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonemap_providers_loaded",
		Help: "Number of providers in the last load.",
	}), "zonemap_providers_loaded")
	if err != nil {
		return nil, err
	}
	popups, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_popups_shown_total",
		Help: "Hover popups shown or refreshed after the debounce delay.",
	}), "zonemap_popups_shown_total")
	if err != nil {
		return nil, err
	}
	dispatch, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zonemap_click_dispatch_total",
		Help: "Zone clicks by dispatch path (multi, single, none).",
	}, []string{"path"}), "zonemap_click_dispatch_total")
	if err != nil {
		return nil, err
	}
	suppressed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_click_dedupe_suppressed_total",
		Help: "Click dispatches dropped inside the dedupe window.",
	}), "zonemap_click_dedupe_suppressed_total")
	if err != nil {
		return nil, err
	}
	refresh, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonemap_refresh_duration_seconds",
		Help:    "Duration of visibility refresh passes.",
		Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}), "zonemap_refresh_duration_seconds")
	if err != nil {
		return nil, err
	}
	skipped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_refresh_skipped_total",
		Help: "Visibility refreshes skipped because the map style was not loaded.",
	}), "zonemap_refresh_skipped_total")
	if err != nil {
		return nil, err
	}
	malformed, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_malformed_relations_total",
		Help: "Provider zone relations skipped for a missing zone or geometry.",
	}), "zonemap_malformed_relations_total")
	if err != nil {
		return nil, err
	}

	requests, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "zonemap_http_requests_total",
		Help: "Handled HTTP requests, labeled by route and status code.",
	}, []string{"route", "code"}), "zonemap_http_requests_total")
	if err != nil {
		return nil, err
	}
	durations, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "zonemap_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	}, []string{"route"}), "zonemap_http_request_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &ZoneMapCollector{
		gatherer:           gatherer,
		ZonesRendered:      zones,
		ProvidersLoaded:    loaded,
		PopupsShown:        popups,
		ClickDispatch:      dispatch,
		DedupeSuppressed:   suppressed,
		RefreshDuration:    refresh,
		RefreshSkipped:     skipped,
		MalformedRelations: malformed,
		HTTPRequests:       requests,
		HTTPDurations:      durations,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *ZoneMapCollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetZoneCounts records the size of the last load.
func (c *ZoneMapCollector) SetZoneCounts(zones, providers int) {
	if c == nil {
		return
	}
	c.ZonesRendered.Set(float64(zones))
	c.ProvidersLoaded.Set(float64(providers))
}

func (c *ZoneMapCollector) IncPopupsShown() {
	if c == nil {
		return
	}
	c.PopupsShown.Inc()
}

func (c *ZoneMapCollector) IncClickDispatch(path string) {
	if c == nil {
		return
	}
	c.ClickDispatch.WithLabelValues(path).Inc()
}

func (c *ZoneMapCollector) IncClickDedupeSuppressed() {
	if c == nil {
		return
	}
	c.DedupeSuppressed.Inc()
}

func (c *ZoneMapCollector) ObserveRefresh(d time.Duration) {
	if c == nil {
		return
	}
	c.RefreshDuration.Observe(d.Seconds())
}

func (c *ZoneMapCollector) IncRefreshSkipped() {
	if c == nil {
		return
	}
	c.RefreshSkipped.Inc()
}

func (c *ZoneMapCollector) AddMalformedRelations(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.MalformedRelations.Add(float64(n))
}

// Instrument wraps h so every request is counted under route with its
// status code and timed.
func (c *ZoneMapCollector) Instrument(route string, h http.Handler) http.Handler {
	if c == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h.ServeHTTP(rec, r)
		c.HTTPRequests.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()
		c.HTTPDurations.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack passes through to the wrapped writer so websocket upgrades work
// behind Instrument. A hijacked connection is counted as 101.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	r.wroteHeader = true
	return hj.Hijack()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.HistogramVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}
