// Package zonemap renders provider coverage zones on a map engine and
// arbitrates pointer interaction with them: debounced hover popups,
// click dispatch with duplicate suppression, and incremental visibility
// updates driven by filter changes.
package zonemap

import (
	"errors"
	"sync"
	"time"

	"github.com/signalsfoundry/coverage-zones/core"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/mapengine"
	"github.com/signalsfoundry/coverage-zones/timectrl"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/signalsfoundry/coverage-zones/zonemap"

const (
	// HoverDelay is the quiet period after the last pointer move before a
	// hover popup appears.
	HoverDelay = 350 * time.Millisecond
	// ClickDedupeWindow is how long a multi-provider dispatch suppresses
	// another one.
	ClickDedupeWindow = 100 * time.Millisecond

	BaseFillOpacity  = 0.35
	HoverFillOpacity = 0.6
	FallbackColor    = "#888888"

	// ReviewsLayer is an unrelated host layer whose clicks take precedence.
	ReviewsLayer = "reviews"
)

// Click dispatch paths reported to metrics.
const (
	PathMulti  = "multi"
	PathSingle = "single"
	PathNone   = "none"
)

// ErrClosed is returned by operations on a closed controller.
var ErrClosed = errors.New("zonemap: controller closed")

// MetricsRecorder receives controller activity. All methods must be safe
// for concurrent use.
type MetricsRecorder interface {
	SetZoneCounts(zones, providers int)
	IncPopupsShown()
	IncClickDispatch(path string)
	IncClickDedupeSuppressed()
	ObserveRefresh(d time.Duration)
	IncRefreshSkipped()
	AddMalformedRelations(n int)
}

type noopMetrics struct{}

func (noopMetrics) SetZoneCounts(int, int)       {}
func (noopMetrics) IncPopupsShown()              {}
func (noopMetrics) IncClickDispatch(string)      {}
func (noopMetrics) IncClickDedupeSuppressed()    {}
func (noopMetrics) ObserveRefresh(time.Duration) {}
func (noopMetrics) IncRefreshSkipped()           {}
func (noopMetrics) AddMalformedRelations(int)    {}

// Controller owns the zone rendering and interaction state of one map
// instance. Engine events and clock timers may arrive on any goroutine;
// the controller serializes them and invokes host callbacks after
// releasing its lock, so callbacks may call back into the controller.
type Controller struct {
	mu sync.Mutex

	engine  mapengine.Engine
	clock   timectrl.Clock
	log     logging.Logger
	policy  core.VisibilityPolicy
	metrics MetricsRecorder
	tracer  trace.Tracer

	state MapState

	// zoneRegs holds the hover handlers registered per zone fill layer.
	zoneRegs  map[string][]mapengine.Registration
	clickRegs []mapengine.Registration
	hover     map[string]*hoverState

	closed bool
}

// Option customises Controller construction.
type Option func(*Controller)

// WithClock sets the clock driving hover and dedupe timers.
func WithClock(c timectrl.Clock) Option {
	return func(ctrl *Controller) {
		if c != nil {
			ctrl.clock = c
		}
	}
}

// WithLogger attaches a structured logger.
func WithLogger(l logging.Logger) Option {
	return func(ctrl *Controller) {
		if l != nil {
			ctrl.log = l
		}
	}
}

// WithPolicy replaces the default FilterPolicy.
func WithPolicy(p core.VisibilityPolicy) Option {
	return func(ctrl *Controller) {
		if p != nil {
			ctrl.policy = p
		}
	}
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m MetricsRecorder) Option {
	return func(ctrl *Controller) {
		if m != nil {
			ctrl.metrics = m
		}
	}
}

// New returns a controller bound to engine. One controller per map.
func New(engine mapengine.Engine, opts ...Option) *Controller {
	c := &Controller{
		engine:   engine,
		clock:    timectrl.RealClock{},
		log:      logging.Noop(),
		policy:   core.FilterPolicy{},
		metrics:  noopMetrics{},
		tracer:   otel.Tracer(tracerName),
		zoneRegs: make(map[string][]mapengine.Registration),
		hover:    make(map[string]*hoverState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}
