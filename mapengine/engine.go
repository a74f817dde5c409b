// Package mapengine defines the primitives the zone map controller needs
// from a map rendering engine, plus a headless in-memory implementation.
package mapengine

import (
	"context"
	"errors"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

var (
	// ErrNotFound indicates a layer or source does not exist.
	ErrNotFound = errors.New("mapengine: not found")
	// ErrDuplicate indicates a layer or source id is already taken.
	ErrDuplicate = errors.New("mapengine: already exists")
	// ErrStyleNotLoaded indicates the style cannot be queried or mutated yet.
	ErrStyleNotLoaded = errors.New("mapengine: style not loaded")
)

// LayerType is the rendering type of a layer.
type LayerType string

const (
	LayerFill   LayerType = "fill"
	LayerLine   LayerType = "line"
	LayerCircle LayerType = "circle"
	LayerSymbol LayerType = "symbol"
)

// Layout/paint property names used across the project.
const (
	PropVisibility  = "visibility"
	PropFillColor   = "fill-color"
	PropFillOpacity = "fill-opacity"
	PropLineColor   = "line-color"
	PropLineWidth   = "line-width"
	PropLineOffset  = "line-offset"
	PropCircleColor = "circle-color"
	PropCircleRad   = "circle-radius"
	PropTextField   = "text-field"
	PropTextColor   = "text-color"

	VisibilityVisible = "visible"
	VisibilityNone    = "none"
)

// Source is a GeoJSON data source.
type Source struct {
	ID   string                     `json:"id"`
	Data *geojson.FeatureCollection `json:"data"`
}

// Layer is a styled view over a source.
type Layer struct {
	ID     string         `json:"id"`
	Type   LayerType      `json:"type"`
	Source string         `json:"source"`
	Paint  map[string]any `json:"paint,omitempty"`
	Layout map[string]any `json:"layout,omitempty"`
}

// Visibility returns the layout visibility, defaulting to visible.
func (l Layer) Visibility() string {
	if v, ok := l.Layout[PropVisibility].(string); ok && v != "" {
		return v
	}
	return VisibilityVisible
}

func (l Layer) clone() Layer {
	out := l
	out.Paint = cloneProps(l.Paint)
	out.Layout = cloneProps(l.Layout)
	return out
}

func cloneProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Feature is a rendered feature returned by a query.
type Feature struct {
	LayerID    string
	SourceID   string
	Visibility string
	Properties geojson.Properties
	Geometry   orb.Geometry
}

// Style lists the ids currently registered on the engine, in order.
type Style struct {
	Layers  []string
	Sources []string
}

// EventType names a pointer event.
type EventType string

const (
	EventMouseEnter EventType = "mouseenter"
	EventMouseMove  EventType = "mousemove"
	EventMouseLeave EventType = "mouseleave"
	EventClick      EventType = "click"
)

// Event is delivered to handlers. For layer-scoped handlers Features holds
// the hits on that layer; for map-wide handlers it is empty and handlers
// query the engine themselves.
type Event struct {
	Type     EventType
	LayerID  string
	Point    orb.Point
	Features []Feature
	Time     time.Time
}

// Handler receives pointer events.
type Handler func(ctx context.Context, ev Event)

// Registration identifies a handler registered with On.
type Registration struct {
	ID      string
	Type    EventType
	LayerID string
}

// Popup is a transient popup anchored at a map coordinate.
type Popup interface {
	SetLngLat(at orb.Point)
	SetHTML(html string)
	Remove()
	IsOpen() bool
}

// Engine is the subset of a map rendering engine used by the controller.
// Mutations on absent ids return ErrNotFound; every method may return
// ErrStyleNotLoaded while the style is still loading.
type Engine interface {
	AddSource(src Source) error
	SetSourceData(id string, data *geojson.FeatureCollection) error
	RemoveSource(id string) error
	HasSource(id string) bool

	AddLayer(layer Layer) error
	RemoveLayer(id string) error
	HasLayer(id string) bool
	SetPaintProperty(layerID, name string, value any) error
	SetLayoutProperty(layerID, name string, value any) error

	// QueryRenderedFeatures returns features at pt, top-most layer first,
	// optionally restricted to layerIDs.
	QueryRenderedFeatures(pt orb.Point, layerIDs ...string) ([]Feature, error)
	Style() (Style, error)

	// On registers h for ev. An empty layerID registers a map-wide handler.
	On(ev EventType, layerID string, h Handler) Registration
	Off(reg Registration)

	ShowPopup(at orb.Point, html string) Popup
}
