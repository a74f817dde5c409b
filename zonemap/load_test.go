package zonemap

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/signalsfoundry/coverage-zones/core"
	"github.com/signalsfoundry/coverage-zones/mapengine"
	"github.com/signalsfoundry/coverage-zones/model"
	"github.com/signalsfoundry/coverage-zones/providers"
)

func TestLoadSingleProviderZone(t *testing.T) {
	h := newHarness(t)
	z1 := squareZone("Z1", 0, 0)
	p := provider("P", "#ff0000", z1)

	h.load(model.FilterState{}, false, p)

	fill := h.layer("fill-Z1")
	if fill.Paint[mapengine.PropFillColor] != "#ff0000" {
		t.Fatalf("fill color = %v, want #ff0000", fill.Paint[mapengine.PropFillColor])
	}
	if fill.Paint[mapengine.PropFillOpacity] != BaseFillOpacity {
		t.Fatalf("fill opacity = %v", fill.Paint[mapengine.PropFillOpacity])
	}
	if h.engine.HasSource(core.ClusterSourceID) || h.markerCount() != 0 {
		t.Fatalf("single provider zone must not produce a marker")
	}
	if !h.engine.HasLayer("border-Z1-1") || h.engine.HasLayer("border-Z1-2") {
		t.Fatalf("expected exactly one border layer")
	}

	h.click(0.5, 0.5)
	if len(h.selected) != 1 || h.selected[0] != p {
		t.Fatalf("onSelectProvider calls = %v", ids(h.selected))
	}
}

func TestLoadIsIdempotent(t *testing.T) {
	h := newHarness(t)
	z1, z2 := squareZone("Z1", 0, 0), squareZone("Z2", 2, 0)
	list := []*model.Provider{
		provider("A", "#ff0000", z1, z2),
		provider("B", "#00ff00", z2),
	}

	h.load(model.FilterState{}, true, list...)
	h.load(model.FilterState{}, true, list...)

	st, err := h.engine.Style()
	if err != nil {
		t.Fatalf("Style: %v", err)
	}
	counts := make(map[string]int)
	for _, id := range append(st.Layers, st.Sources...) {
		counts[id]++
	}
	for _, id := range []string{"fill-Z1", "fill-Z2", "zone-Z1", "zone-Z2", core.ClusterSourceID, core.ClusterCircleLayer, core.ClusterTextLayer} {
		if counts[id] != 1 {
			t.Fatalf("%s registered %d times", id, counts[id])
		}
	}
	if n := h.countLayers(func(id string) bool { return strings.HasPrefix(id, "border-Z2-") }); n != 2 {
		t.Fatalf("border layers for Z2 = %d, want 2", n)
	}
	if n := h.engine.HandlerCount(mapengine.EventClick, ""); n != 1 {
		t.Fatalf("map click handlers = %d, want 1", n)
	}
	if n := h.engine.HandlerCount(mapengine.EventMouseMove, "fill-Z1"); n != 1 {
		t.Fatalf("hover handlers for Z1 = %d, want 1", n)
	}
	if h.markerCount() != 1 {
		t.Fatalf("markers = %d, want 1", h.markerCount())
	}
}

func TestLoadRemovesZonesNoLongerPresent(t *testing.T) {
	h := newHarness(t)
	z1, z2 := squareZone("Z1", 0, 0), squareZone("Z2", 2, 0)

	h.load(model.FilterState{}, false, provider("A", "#ff0000", z1), provider("B", "#0000ff", z2))
	h.load(model.FilterState{}, false, provider("A", "#ff0000", z1))

	if h.engine.HasLayer("fill-Z2") || h.engine.HasLayer("border-Z2-1") || h.engine.HasSource("zone-Z2") {
		t.Fatalf("stale zone Z2 still rendered")
	}
	if n := h.engine.HandlerCount(mapengine.EventMouseEnter, "fill-Z2"); n != 0 {
		t.Fatalf("stale hover handlers = %d", n)
	}
	if !h.engine.HasLayer("fill-Z1") {
		t.Fatalf("zone Z1 missing after reload")
	}
}

func TestLoadMarkersAndBorderCap(t *testing.T) {
	h := newHarness(t)
	z := squareZone("Z", 0, 0)
	var list []*model.Provider
	for i := 0; i < 12; i++ {
		list = append(list, provider(string(rune('a'+i)), "#123456", z))
	}

	h.load(model.FilterState{}, true, list...)

	if !h.engine.HasLayer("border-Z-10") || h.engine.HasLayer("border-Z-11") {
		t.Fatalf("border layers must be capped at %d", core.MaxBordersPerZone)
	}
	fc, ok := h.engine.SourceData(core.ClusterSourceID)
	if !ok || len(fc.Features) != 1 {
		t.Fatalf("cluster source = %v, %v", fc, ok)
	}
	props := fc.Features[0].Properties
	if props[core.MarkerPropZoneID] != "Z" || props[core.MarkerPropCount] != 12 || props[core.MarkerPropLabel] != "+3" {
		t.Fatalf("marker properties = %v", props)
	}
}

func TestLoadSkipsMalformedRelations(t *testing.T) {
	h := newHarness(t)
	good := squareZone("Z1", 0, 0)
	p := provider("P", "#ff0000", good)
	p.Zones = append(p.Zones, model.ZoneRelation{}, model.ZoneRelation{Zone: &model.Zone{ID: "empty"}})

	got, err := h.ctrl.LoadProvidersOnMap(h.ctx, static(p, provider("lonely", "#000")), model.FilterState{}, nil, nil)
	if err != nil {
		t.Fatalf("LoadProvidersOnMap: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("returned %d providers, want 2", len(got))
	}
	if h.ctrl.Groups().Len() != 1 || h.engine.HasLayer("fill-empty") {
		t.Fatalf("malformed relations rendered")
	}
	if h.metrics.malformed != 2 || h.metrics.zones != 1 || h.metrics.providers != 2 {
		t.Fatalf("metrics = %+v", h.metrics)
	}
}

func TestLoadPropagatesFetchError(t *testing.T) {
	h := newHarness(t)
	boom := errors.New("boom")
	fetcher := providers.FetcherFunc(func(context.Context) ([]*model.Provider, error) { return nil, boom })

	if _, err := h.ctrl.LoadProvidersOnMap(h.ctx, fetcher, model.FilterState{}, nil, nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, err := h.ctrl.LoadProvidersOnMap(h.ctx, nil, model.FilterState{}, nil, nil); err == nil {
		t.Fatalf("nil fetcher should fail")
	}
}

func TestLoadStyleNotLoaded(t *testing.T) {
	h := newHarness(t)
	h.engine.SetLoaded(false)

	_, err := h.ctrl.LoadProvidersOnMap(h.ctx, static(provider("P", "#f00", squareZone("Z", 0, 0))), model.FilterState{}, nil, nil)
	if !errors.Is(err, mapengine.ErrStyleNotLoaded) {
		t.Fatalf("err = %v, want ErrStyleNotLoaded", err)
	}
}

func TestClearProviderLayersKeepsUnrelatedLayers(t *testing.T) {
	h := newHarness(t)
	z1, z2 := squareZone("Z1", 0, 0), squareZone("Z2", 2, 0)
	if err := h.engine.AddSource(mapengine.Source{ID: "reviews"}); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := h.engine.AddLayer(mapengine.Layer{ID: ReviewsLayer, Type: mapengine.LayerCircle, Source: "reviews"}); err != nil {
		t.Fatalf("AddLayer: %v", err)
	}
	h.load(model.FilterState{}, true, provider("A", "#f00", z1, z2), provider("B", "#0f0", z2))

	if err := h.ctrl.ClearProviderLayers(h.ctx); err != nil {
		t.Fatalf("ClearProviderLayers: %v", err)
	}
	st, _ := h.engine.Style()
	if len(st.Layers) != 1 || st.Layers[0] != ReviewsLayer {
		t.Fatalf("layers after clear = %v", st.Layers)
	}
	if len(st.Sources) != 1 || st.Sources[0] != "reviews" {
		t.Fatalf("sources after clear = %v", st.Sources)
	}
	if n := h.engine.HandlerCount(mapengine.EventClick, ""); n != 0 {
		t.Fatalf("click handlers after clear = %d", n)
	}
	if h.ctrl.Groups().Len() != 0 {
		t.Fatalf("grouping not reset")
	}

	// Clearing twice is a no-op.
	if err := h.ctrl.ClearProviderLayers(h.ctx); err != nil {
		t.Fatalf("second ClearProviderLayers: %v", err)
	}

	h.load(model.FilterState{}, true, provider("A", "#f00", z1))
	if n := h.engine.HandlerCount(mapengine.EventClick, ""); n != 1 {
		t.Fatalf("click handlers after reload = %d", n)
	}
}

func TestClosedControllerRejectsWork(t *testing.T) {
	h := newHarness(t)
	h.load(model.FilterState{}, false, provider("P", "#f00", squareZone("Z", 0, 0)))
	h.ctrl.Close()

	if _, err := h.ctrl.LoadProvidersOnMap(h.ctx, static(), model.FilterState{}, nil, nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("load after close err = %v", err)
	}
	if err := h.ctrl.RefreshVisibility(h.ctx, nil, model.FilterState{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("refresh after close err = %v", err)
	}
	if n := h.engine.HandlerCount(mapengine.EventMouseMove, "fill-Z"); n != 0 {
		t.Fatalf("handlers still registered after close: %d", n)
	}
	if !h.engine.HasLayer("fill-Z") {
		t.Fatalf("close must not remove layers")
	}
}

func TestDumpState(t *testing.T) {
	h := newHarness(t)
	h.load(model.FilterState{Search: "provider"}, false, provider("P", "#f00", squareZone("Z", 0, 0)))

	out := h.ctrl.DumpState()
	for _, want := range []string{"zones=1", "zone Z: providers=1 visible=1 hover=idle", `search="provider"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("DumpState missing %q:\n%s", want, out)
		}
	}
}

func TestReloadKeepsMarkersAboveZones(t *testing.T) {
	h := newHarness(t)
	z := squareZone("Z", 0, 0)
	list := []*model.Provider{provider("A", "#f00", z), provider("B", "#0f0", z)}

	h.load(model.FilterState{}, true, list...)
	h.load(model.FilterState{}, true, list...)

	st, err := h.engine.Style()
	if err != nil {
		t.Fatalf("Style: %v", err)
	}
	want := []string{"fill-Z", "border-Z-1", "border-Z-2", core.ClusterCircleLayer, core.ClusterTextLayer}
	if strings.Join(st.Layers, ",") != strings.Join(want, ",") {
		t.Fatalf("layer order after reload = %v, want %v", st.Layers, want)
	}
	features, err := h.engine.QueryRenderedFeatures(orb.Point{0.5, 0.5})
	if err != nil {
		t.Fatalf("QueryRenderedFeatures: %v", err)
	}
	if len(features) == 0 || features[0].LayerID != core.ClusterTextLayer {
		t.Fatalf("topmost feature at the marker = %+v", features)
	}
}

type flakyEngine struct {
	*mapengine.Memory
	fail error
}

func (f *flakyEngine) AddLayer(l mapengine.Layer) error {
	if f.fail != nil {
		return f.fail
	}
	return f.Memory.AddLayer(l)
}

func TestFailedLoadKeepsPreviousState(t *testing.T) {
	engine := &flakyEngine{Memory: mapengine.NewMemory()}
	ctrl := New(engine)
	defer ctrl.Close()

	z1, z2 := squareZone("Z1", 0, 0), squareZone("Z2", 2, 0)
	var selected []string
	onSelect := func(p *model.Provider) { selected = append(selected, p.ID) }
	first := model.FilterState{Search: "first"}
	if _, err := ctrl.LoadProvidersOnMap(context.Background(), static(provider("A", "#f00", z1)), first, onSelect, nil); err != nil {
		t.Fatalf("LoadProvidersOnMap: %v", err)
	}

	boom := errors.New("layer rejected")
	engine.fail = boom
	second := static(provider("B", "#0f0", z2))
	if _, err := ctrl.LoadProvidersOnMap(context.Background(), second, model.FilterState{Search: "second"}, nil, nil); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}

	if _, ok := ctrl.Groups().Get("Z1"); !ok || ctrl.Groups().Len() != 1 {
		t.Fatalf("grouping replaced by a failed load: %v", ctrl.Groups().IDs())
	}
	if got := ctrl.Filters().Search; got != "first" {
		t.Fatalf("filters after failed load = %q, want first", got)
	}
	ctrl.mu.Lock()
	kept := ctrl.state.OnSelectProvider != nil
	ctrl.mu.Unlock()
	if !kept {
		t.Fatalf("select callback dropped by a failed load")
	}
}

func TestHostLayersWithZoneLikeNamesSurvive(t *testing.T) {
	h := newHarness(t)
	if err := h.engine.AddSource(mapengine.Source{ID: "zone-countries"}); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := h.engine.AddLayer(mapengine.Layer{ID: "border-countries", Type: mapengine.LayerLine, Source: "zone-countries"}); err != nil {
		t.Fatalf("AddLayer: %v", err)
	}

	h.load(model.FilterState{}, true, provider("A", "#f00", squareZone("Z1", 0, 0)))
	if !h.engine.HasLayer("border-countries") || !h.engine.HasSource("zone-countries") {
		t.Fatalf("load removed host layers")
	}

	if err := h.ctrl.ClearProviderLayers(h.ctx); err != nil {
		t.Fatalf("ClearProviderLayers: %v", err)
	}
	st, _ := h.engine.Style()
	if len(st.Layers) != 1 || st.Layers[0] != "border-countries" {
		t.Fatalf("layers after clear = %v", st.Layers)
	}
	if len(st.Sources) != 1 || st.Sources[0] != "zone-countries" {
		t.Fatalf("sources after clear = %v", st.Sources)
	}
}
