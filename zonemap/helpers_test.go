package zonemap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/signalsfoundry/coverage-zones/mapengine"
	"github.com/signalsfoundry/coverage-zones/model"
	"github.com/signalsfoundry/coverage-zones/providers"
	"github.com/signalsfoundry/coverage-zones/timectrl"
)

var testEpoch = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func squareZone(id string, x, y float64) *model.Zone {
	return &model.Zone{
		ID:       id,
		Name:     "Zone " + id,
		Geometry: orb.Polygon{orb.Ring{{x, y}, {x + 1, y}, {x + 1, y + 1}, {x, y + 1}, {x, y}}},
	}
}

func provider(id, color string, zones ...*model.Zone) *model.Provider {
	p := &model.Provider{ID: id, Name: "Provider " + id, Color: color}
	for _, z := range zones {
		p.Zones = append(p.Zones, model.ZoneRelation{Zone: z})
	}
	return p
}

func static(list ...*model.Provider) providers.Fetcher {
	return providers.FetcherFunc(func(context.Context) ([]*model.Provider, error) {
		return list, nil
	})
}

type recordingMetrics struct {
	mu         sync.Mutex
	zones      int
	providers  int
	popups     int
	paths      []string
	suppressed int
	refreshes  int
	skipped    int
	malformed  int
}

func (r *recordingMetrics) SetZoneCounts(zones, providers int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.zones, r.providers = zones, providers
}

func (r *recordingMetrics) IncPopupsShown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.popups++
}

func (r *recordingMetrics) IncClickDispatch(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *recordingMetrics) IncClickDedupeSuppressed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.suppressed++
}

func (r *recordingMetrics) ObserveRefresh(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
}

func (r *recordingMetrics) IncRefreshSkipped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

func (r *recordingMetrics) AddMalformedRelations(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.malformed += n
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	engine  *mapengine.Memory
	clock   *timectrl.ManualClock
	metrics *recordingMetrics
	ctrl    *Controller

	selected []*model.Provider
	multi    [][]*model.Provider
	zones    []*model.Zone
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := timectrl.NewManualClock(testEpoch)
	engine := mapengine.NewMemory(mapengine.WithClock(clock))
	metrics := &recordingMetrics{}
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		engine:  engine,
		clock:   clock,
		metrics: metrics,
		ctrl:    New(engine, WithClock(clock), WithMetrics(metrics)),
	}
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) onSelect(p *model.Provider) { h.selected = append(h.selected, p) }

func (h *harness) onMulti(list []*model.Provider, z *model.Zone) {
	h.multi = append(h.multi, list)
	h.zones = append(h.zones, z)
}

func (h *harness) load(filters model.FilterState, withMulti bool, list ...*model.Provider) {
	h.t.Helper()
	var multi MultiProviderFunc
	if withMulti {
		multi = h.onMulti
	}
	if _, err := h.ctrl.LoadProvidersOnMap(h.ctx, static(list...), filters, h.onSelect, multi); err != nil {
		h.t.Fatalf("LoadProvidersOnMap: %v", err)
	}
}

func (h *harness) click(x, y float64) {
	h.t.Helper()
	if err := h.engine.Click(h.ctx, orb.Point{x, y}); err != nil {
		h.t.Fatalf("Click: %v", err)
	}
}

func (h *harness) move(x, y float64) {
	h.t.Helper()
	if err := h.engine.PointerMove(h.ctx, orb.Point{x, y}); err != nil {
		h.t.Fatalf("PointerMove: %v", err)
	}
}

func (h *harness) layer(id string) mapengine.Layer {
	h.t.Helper()
	l, ok := h.engine.Layer(id)
	if !ok {
		h.t.Fatalf("layer %s missing", id)
	}
	return l
}

func (h *harness) markerCount() int {
	fc, ok := h.engine.SourceData("multi-provider-markers")
	if !ok {
		return 0
	}
	return len(fc.Features)
}

func (h *harness) countLayers(pred func(string) bool) int {
	h.t.Helper()
	st, err := h.engine.Style()
	if err != nil {
		h.t.Fatalf("Style: %v", err)
	}
	n := 0
	for _, id := range st.Layers {
		if pred(id) {
			n++
		}
	}
	return n
}

func ids(list []*model.Provider) []string {
	out := make([]string, 0, len(list))
	for _, p := range list {
		out = append(out, p.ID)
	}
	return out
}
