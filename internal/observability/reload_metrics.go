package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReloadCollector exposes metrics for the periodic provider reload loop.
type ReloadCollector struct {
	gatherer prometheus.Gatherer

	FetchDuration   prometheus.Histogram
	ProvidersStored prometheus.Gauge
	ReloadFailures  prometheus.Counter
	LastReload      prometheus.Gauge
}

// NewReloadCollector registers reload metrics against the provided registerer.
func NewReloadCollector(reg prometheus.Registerer) (*ReloadCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	fetchHistogram := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "zonemap_provider_fetch_duration_seconds",
		Help:    "Duration of provider fetches from the configured source.",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
	})
	fetchHistogram, err := registerHistogram(reg, fetchHistogram, "zonemap_provider_fetch_duration_seconds")
	if err != nil {
		return nil, err
	}

	stored := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonemap_providers_stored",
		Help: "Number of providers held in the knowledge base.",
	})
	stored, err = registerGauge(reg, stored, "zonemap_providers_stored")
	if err != nil {
		return nil, err
	}

	failures := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "zonemap_reload_failures_total",
		Help: "Provider reloads that failed to fetch or render.",
	})
	failures, err = registerCounter(reg, failures, "zonemap_reload_failures_total")
	if err != nil {
		return nil, err
	}

	last := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "zonemap_last_reload_timestamp_seconds",
		Help: "Unix time of the last successful provider reload.",
	})
	last, err = registerGauge(reg, last, "zonemap_last_reload_timestamp_seconds")
	if err != nil {
		return nil, err
	}

	return &ReloadCollector{
		gatherer:        gatherer,
		FetchDuration:   fetchHistogram,
		ProvidersStored: stored,
		ReloadFailures:  failures,
		LastReload:      last,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *ReloadCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// ObserveFetch records a provider fetch duration.
func (c *ReloadCollector) ObserveFetch(d time.Duration) {
	if c == nil || c.FetchDuration == nil {
		return
	}
	c.FetchDuration.Observe(d.Seconds())
}

// SetStoredProviders updates the knowledge base size gauge.
func (c *ReloadCollector) SetStoredProviders(count int) {
	if c == nil || c.ProvidersStored == nil {
		return
	}
	c.ProvidersStored.Set(float64(count))
}

// IncReloadFailures increments the failure counter.
func (c *ReloadCollector) IncReloadFailures() {
	if c == nil || c.ReloadFailures == nil {
		return
	}
	c.ReloadFailures.Inc()
}

// MarkReload records a successful reload at t.
func (c *ReloadCollector) MarkReload(t time.Time) {
	if c == nil || c.LastReload == nil {
		return
	}
	c.LastReload.Set(float64(t.Unix()))
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
