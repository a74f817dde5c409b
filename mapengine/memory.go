package mapengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/signalsfoundry/coverage-zones/timectrl"
)

// OpKind names a mutation observed on a Memory engine.
type OpKind string

const (
	OpAddSource     OpKind = "addSource"
	OpSetSourceData OpKind = "setSourceData"
	OpRemoveSource  OpKind = "removeSource"
	OpAddLayer      OpKind = "addLayer"
	OpRemoveLayer   OpKind = "removeLayer"
	OpSetPaint      OpKind = "setPaint"
	OpSetLayout     OpKind = "setLayout"
	OpPopupOpen     OpKind = "popupOpen"
	OpPopupUpdate   OpKind = "popupUpdate"
	OpPopupRemove   OpKind = "popupRemove"
)

// Op describes one mutation. Only the fields relevant to Kind are set.
type Op struct {
	Kind     OpKind                     `json:"kind"`
	ID       string                     `json:"id,omitempty"`
	Data     *geojson.FeatureCollection `json:"data,omitempty"`
	Layer    *Layer                     `json:"layer,omitempty"`
	Property string                     `json:"property,omitempty"`
	Value    any                        `json:"value,omitempty"`
	At       *orb.Point                 `json:"at,omitempty"`
	HTML     string                     `json:"html,omitempty"`
}

// PopupState is a read-only view of an open popup.
type PopupState struct {
	ID   string    `json:"id"`
	At   orb.Point `json:"at"`
	HTML string    `json:"html"`
}

type handlerEntry struct {
	reg Registration
	fn  Handler
}

type pendingCall struct {
	fn Handler
	ev Event
}

// Memory is a headless Engine. It keeps layers and sources in memory,
// hit-tests fill layers with planar point-in-polygon and point layers by a
// degree radius, and dispatches pointer events to registered handlers.
// Handlers and observers always run outside the engine lock.
type Memory struct {
	mu sync.Mutex

	loaded bool
	clock  timectrl.Clock
	radius float64

	layers  []*Layer
	sources map[string]*Source
	srcIDs  []string

	handlers []handlerEntry
	hovered  map[string]bool
	popups   []*memoryPopup

	observers []func(Op)
}

// MemoryOption customises a Memory engine.
type MemoryOption func(*Memory)

// WithClock sets the clock used to timestamp events.
func WithClock(c timectrl.Clock) MemoryOption {
	return func(m *Memory) {
		if c != nil {
			m.clock = c
		}
	}
}

// WithHitRadius sets the radius, in degrees, within which point features
// of circle and symbol layers are hit.
func WithHitRadius(deg float64) MemoryOption {
	return func(m *Memory) {
		if deg > 0 {
			m.radius = deg
		}
	}
}

// NewMemory returns a loaded, empty engine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		loaded:  true,
		clock:   timectrl.RealClock{},
		radius:  0.01,
		sources: make(map[string]*Source),
		hovered: make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

var _ Engine = (*Memory)(nil)

// SetLoaded toggles whether the style is queryable. While unloaded every
// style operation returns ErrStyleNotLoaded.
func (m *Memory) SetLoaded(loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = loaded
}

// Observe registers fn to receive every successful mutation.
func (m *Memory) Observe(fn func(Op)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Memory) mutate(fn func() (Op, error)) error {
	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return ErrStyleNotLoaded
	}
	op, err := fn()
	observers := append([]func(Op){}, m.observers...)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	for _, o := range observers {
		o(op)
	}
	return nil
}

func (m *Memory) notify(op Op) {
	m.mu.Lock()
	observers := append([]func(Op){}, m.observers...)
	m.mu.Unlock()
	for _, o := range observers {
		o(op)
	}
}

// ---- sources ----

// AddSource implements Engine.
func (m *Memory) AddSource(src Source) error {
	return m.mutate(func() (Op, error) {
		if src.ID == "" {
			return Op{}, fmt.Errorf("add source: empty id")
		}
		if _, ok := m.sources[src.ID]; ok {
			return Op{}, fmt.Errorf("add source %q: %w", src.ID, ErrDuplicate)
		}
		if src.Data == nil {
			src.Data = geojson.NewFeatureCollection()
		}
		m.sources[src.ID] = &src
		m.srcIDs = append(m.srcIDs, src.ID)
		return Op{Kind: OpAddSource, ID: src.ID, Data: src.Data}, nil
	})
}

// SetSourceData implements Engine.
func (m *Memory) SetSourceData(id string, data *geojson.FeatureCollection) error {
	return m.mutate(func() (Op, error) {
		src, ok := m.sources[id]
		if !ok {
			return Op{}, fmt.Errorf("set source data %q: %w", id, ErrNotFound)
		}
		if data == nil {
			data = geojson.NewFeatureCollection()
		}
		src.Data = data
		return Op{Kind: OpSetSourceData, ID: id, Data: data}, nil
	})
}

// RemoveSource implements Engine. Layers still referencing the source
// block removal, as in browser map engines.
func (m *Memory) RemoveSource(id string) error {
	return m.mutate(func() (Op, error) {
		if _, ok := m.sources[id]; !ok {
			return Op{}, fmt.Errorf("remove source %q: %w", id, ErrNotFound)
		}
		for _, l := range m.layers {
			if l.Source == id {
				return Op{}, fmt.Errorf("remove source %q: still used by layer %q", id, l.ID)
			}
		}
		delete(m.sources, id)
		for i, sid := range m.srcIDs {
			if sid == id {
				m.srcIDs = append(m.srcIDs[:i], m.srcIDs[i+1:]...)
				break
			}
		}
		return Op{Kind: OpRemoveSource, ID: id}, nil
	})
}

// HasSource implements Engine.
func (m *Memory) HasSource(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return false
	}
	_, ok := m.sources[id]
	return ok
}

// SourceData returns the data of a source.
func (m *Memory) SourceData(id string) (*geojson.FeatureCollection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, false
	}
	return src.Data, true
}

// ---- layers ----

// AddLayer implements Engine.
func (m *Memory) AddLayer(layer Layer) error {
	return m.mutate(func() (Op, error) {
		if layer.ID == "" {
			return Op{}, fmt.Errorf("add layer: empty id")
		}
		if m.layerLocked(layer.ID) != nil {
			return Op{}, fmt.Errorf("add layer %q: %w", layer.ID, ErrDuplicate)
		}
		if _, ok := m.sources[layer.Source]; !ok {
			return Op{}, fmt.Errorf("add layer %q: source %q: %w", layer.ID, layer.Source, ErrNotFound)
		}
		stored := layer.clone()
		m.layers = append(m.layers, &stored)
		view := stored.clone()
		return Op{Kind: OpAddLayer, ID: layer.ID, Layer: &view}, nil
	})
}

// RemoveLayer implements Engine.
func (m *Memory) RemoveLayer(id string) error {
	return m.mutate(func() (Op, error) {
		for i, l := range m.layers {
			if l.ID == id {
				m.layers = append(m.layers[:i], m.layers[i+1:]...)
				delete(m.hovered, id)
				return Op{Kind: OpRemoveLayer, ID: id}, nil
			}
		}
		return Op{}, fmt.Errorf("remove layer %q: %w", id, ErrNotFound)
	})
}

// HasLayer implements Engine.
func (m *Memory) HasLayer(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loaded && m.layerLocked(id) != nil
}

// Layer returns a copy of the layer with id.
func (m *Memory) Layer(id string) (Layer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.layerLocked(id)
	if l == nil {
		return Layer{}, false
	}
	return l.clone(), true
}

func (m *Memory) layerLocked(id string) *Layer {
	for _, l := range m.layers {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// SetPaintProperty implements Engine.
func (m *Memory) SetPaintProperty(layerID, name string, value any) error {
	return m.mutate(func() (Op, error) {
		l := m.layerLocked(layerID)
		if l == nil {
			return Op{}, fmt.Errorf("set paint %q on %q: %w", name, layerID, ErrNotFound)
		}
		l.Paint[name] = value
		return Op{Kind: OpSetPaint, ID: layerID, Property: name, Value: value}, nil
	})
}

// SetLayoutProperty implements Engine.
func (m *Memory) SetLayoutProperty(layerID, name string, value any) error {
	return m.mutate(func() (Op, error) {
		l := m.layerLocked(layerID)
		if l == nil {
			return Op{}, fmt.Errorf("set layout %q on %q: %w", name, layerID, ErrNotFound)
		}
		l.Layout[name] = value
		return Op{Kind: OpSetLayout, ID: layerID, Property: name, Value: value}, nil
	})
}

// Style implements Engine.
func (m *Memory) Style() (Style, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return Style{}, ErrStyleNotLoaded
	}
	st := Style{
		Layers:  make([]string, 0, len(m.layers)),
		Sources: append([]string(nil), m.srcIDs...),
	}
	for _, l := range m.layers {
		st.Layers = append(st.Layers, l.ID)
	}
	return st, nil
}

// Snapshot returns copies of every source and layer in registration order.
func (m *Memory) Snapshot() ([]Source, []Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sources := make([]Source, 0, len(m.srcIDs))
	for _, id := range m.srcIDs {
		sources = append(sources, *m.sources[id])
	}
	layers := make([]Layer, 0, len(m.layers))
	for _, l := range m.layers {
		layers = append(layers, l.clone())
	}
	return sources, layers
}

// ---- queries ----

// QueryRenderedFeatures implements Engine. Hidden layers are still
// reported, with Visibility set to "none", so callers decide what counts.
func (m *Memory) QueryRenderedFeatures(pt orb.Point, layerIDs ...string) ([]Feature, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.loaded {
		return nil, ErrStyleNotLoaded
	}
	return m.hitTestLocked(pt, layerIDs, false), nil
}

func (m *Memory) hitTestLocked(pt orb.Point, only []string, visibleOnly bool) []Feature {
	var filter map[string]bool
	if len(only) > 0 {
		filter = make(map[string]bool, len(only))
		for _, id := range only {
			filter[id] = true
		}
	}

	var out []Feature
	for i := len(m.layers) - 1; i >= 0; i-- {
		l := m.layers[i]
		if filter != nil && !filter[l.ID] {
			continue
		}
		vis := l.Visibility()
		if visibleOnly && vis == VisibilityNone {
			continue
		}
		src := m.sources[l.Source]
		if src == nil || src.Data == nil {
			continue
		}
		for _, f := range src.Data.Features {
			if !m.hits(l.Type, f.Geometry, pt) {
				continue
			}
			out = append(out, Feature{
				LayerID:    l.ID,
				SourceID:   l.Source,
				Visibility: vis,
				Properties: f.Properties.Clone(),
				Geometry:   f.Geometry,
			})
		}
	}
	return out
}

func (m *Memory) hits(t LayerType, g orb.Geometry, pt orb.Point) bool {
	switch t {
	case LayerFill:
		switch geom := g.(type) {
		case orb.Polygon:
			return planar.PolygonContains(geom, pt)
		case orb.MultiPolygon:
			return planar.MultiPolygonContains(geom, pt)
		}
	case LayerCircle, LayerSymbol:
		if p, ok := g.(orb.Point); ok {
			return planar.Distance(p, pt) <= m.radius
		}
	}
	return false
}

// ---- events ----

// On implements Engine.
func (m *Memory) On(ev EventType, layerID string, h Handler) Registration {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := Registration{ID: uuid.NewString(), Type: ev, LayerID: layerID}
	m.handlers = append(m.handlers, handlerEntry{reg: reg, fn: h})
	return reg
}

// Off implements Engine.
func (m *Memory) Off(reg Registration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, h := range m.handlers {
		if h.reg.ID == reg.ID {
			m.handlers = append(m.handlers[:i], m.handlers[i+1:]...)
			return
		}
	}
}

// HandlerCount returns how many handlers are registered for ev on layerID.
func (m *Memory) HandlerCount(ev EventType, layerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, h := range m.handlers {
		if h.reg.Type == ev && h.reg.LayerID == layerID {
			n++
		}
	}
	return n
}

// PointerMove simulates the pointer moving to pt. Layers the pointer left
// get mouseleave, newly entered layers get mouseenter, and every layer
// under the pointer plus map-wide handlers get mousemove, in that order.
func (m *Memory) PointerMove(ctx context.Context, pt orb.Point) error {
	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return ErrStyleNotLoaded
	}
	byLayer := groupByLayer(m.hitTestLocked(pt, nil, true))
	now := m.clock.Now()

	var calls []pendingCall
	for _, h := range m.handlers {
		l := h.reg.LayerID
		if h.reg.Type == EventMouseLeave && l != "" && m.hovered[l] && byLayer[l] == nil {
			calls = append(calls, pendingCall{h.fn, Event{Type: EventMouseLeave, LayerID: l, Point: pt, Time: now}})
		}
	}
	for _, h := range m.handlers {
		l := h.reg.LayerID
		if h.reg.Type == EventMouseEnter && l != "" && !m.hovered[l] && byLayer[l] != nil {
			calls = append(calls, pendingCall{h.fn, Event{Type: EventMouseEnter, LayerID: l, Point: pt, Features: byLayer[l], Time: now}})
		}
	}
	for _, h := range m.handlers {
		if h.reg.Type != EventMouseMove {
			continue
		}
		l := h.reg.LayerID
		if l == "" || byLayer[l] != nil {
			calls = append(calls, pendingCall{h.fn, Event{Type: EventMouseMove, LayerID: l, Point: pt, Features: byLayer[l], Time: now}})
		}
	}

	m.hovered = make(map[string]bool, len(byLayer))
	for l := range byLayer {
		m.hovered[l] = true
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.fn(ctx, c.ev)
	}
	return nil
}

// PointerOut simulates the pointer leaving the map canvas.
func (m *Memory) PointerOut(ctx context.Context) {
	m.mu.Lock()
	now := m.clock.Now()
	var calls []pendingCall
	for _, h := range m.handlers {
		l := h.reg.LayerID
		if h.reg.Type == EventMouseLeave && l != "" && m.hovered[l] {
			calls = append(calls, pendingCall{h.fn, Event{Type: EventMouseLeave, LayerID: l, Time: now}})
		}
	}
	m.hovered = make(map[string]bool)
	m.mu.Unlock()

	for _, c := range calls {
		c.fn(ctx, c.ev)
	}
}

// Click simulates a click at pt. Click handlers run in registration order:
// layer-scoped ones only when their layer is hit, map-wide ones always.
func (m *Memory) Click(ctx context.Context, pt orb.Point) error {
	m.mu.Lock()
	if !m.loaded {
		m.mu.Unlock()
		return ErrStyleNotLoaded
	}
	byLayer := groupByLayer(m.hitTestLocked(pt, nil, true))
	now := m.clock.Now()

	var calls []pendingCall
	for _, h := range m.handlers {
		if h.reg.Type != EventClick {
			continue
		}
		l := h.reg.LayerID
		if l == "" || byLayer[l] != nil {
			calls = append(calls, pendingCall{h.fn, Event{Type: EventClick, LayerID: l, Point: pt, Features: byLayer[l], Time: now}})
		}
	}
	m.mu.Unlock()

	for _, c := range calls {
		c.fn(ctx, c.ev)
	}
	return nil
}

func groupByLayer(features []Feature) map[string][]Feature {
	out := make(map[string][]Feature)
	for _, f := range features {
		out[f.LayerID] = append(out[f.LayerID], f)
	}
	return out
}

// ---- popups ----

type memoryPopup struct {
	engine *Memory
	id     string
	at     orb.Point
	html   string
	open   bool
}

// ShowPopup implements Engine.
func (m *Memory) ShowPopup(at orb.Point, html string) Popup {
	p := &memoryPopup{engine: m, id: uuid.NewString(), at: at, html: html, open: true}
	m.mu.Lock()
	m.popups = append(m.popups, p)
	m.mu.Unlock()
	m.notify(Op{Kind: OpPopupOpen, ID: p.id, At: &at, HTML: html})
	return p
}

// Popups returns the currently open popups.
func (m *Memory) Popups() []PopupState {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PopupState
	for _, p := range m.popups {
		if p.open {
			out = append(out, PopupState{ID: p.id, At: p.at, HTML: p.html})
		}
	}
	return out
}

func (p *memoryPopup) SetLngLat(at orb.Point) {
	p.engine.mu.Lock()
	if !p.open {
		p.engine.mu.Unlock()
		return
	}
	p.at = at
	html := p.html
	p.engine.mu.Unlock()
	p.engine.notify(Op{Kind: OpPopupUpdate, ID: p.id, At: &at, HTML: html})
}

func (p *memoryPopup) SetHTML(html string) {
	p.engine.mu.Lock()
	if !p.open {
		p.engine.mu.Unlock()
		return
	}
	p.html = html
	at := p.at
	p.engine.mu.Unlock()
	p.engine.notify(Op{Kind: OpPopupUpdate, ID: p.id, At: &at, HTML: html})
}

func (p *memoryPopup) Remove() {
	m := p.engine
	m.mu.Lock()
	if !p.open {
		m.mu.Unlock()
		return
	}
	p.open = false
	for i, existing := range m.popups {
		if existing == p {
			m.popups = append(m.popups[:i], m.popups[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	m.notify(Op{Kind: OpPopupRemove, ID: p.id})
}

func (p *memoryPopup) IsOpen() bool {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	return p.open
}
