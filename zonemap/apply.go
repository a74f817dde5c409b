package zonemap

import (
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/paulmach/orb/geojson"
	"github.com/signalsfoundry/coverage-zones/mapengine"
)

// applier applies desired layer and source state to an engine. It reads
// the engine style once and keeps that view current as it mutates, so
// every removal or property update on an absent id is a silent no-op and
// every add replaces whatever was registered under the same id.
type applier struct {
	engine  mapengine.Engine
	layers  map[string]bool
	sources map[string]bool
	order   []string
}

func newApplier(engine mapengine.Engine) (*applier, error) {
	st, err := engine.Style()
	if err != nil {
		return nil, err
	}
	a := &applier{
		engine:  engine,
		layers:  make(map[string]bool, len(st.Layers)),
		sources: make(map[string]bool, len(st.Sources)),
		order:   append([]string(nil), st.Layers...),
	}
	for _, id := range st.Layers {
		a.layers[id] = true
	}
	for _, id := range st.Sources {
		a.sources[id] = true
	}
	return a, nil
}

func ignoreNotFound(err error) error {
	if errors.Is(err, mapengine.ErrNotFound) {
		return nil
	}
	return err
}

func (a *applier) hasLayer(id string) bool  { return a.layers[id] }
func (a *applier) hasSource(id string) bool { return a.sources[id] }

// layerIDs returns the layers currently on the engine, bottom to top.
func (a *applier) layerIDs() []string {
	out := make([]string, 0, len(a.order))
	for _, id := range a.order {
		if a.layers[id] {
			out = append(out, id)
		}
	}
	return out
}

func (a *applier) sourceIDs() []string {
	out := make([]string, 0, len(a.sources))
	for id, ok := range a.sources {
		if ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (a *applier) removeLayer(id string) error {
	if !a.layers[id] {
		return nil
	}
	if err := ignoreNotFound(a.engine.RemoveLayer(id)); err != nil {
		return fmt.Errorf("remove layer %s: %w", id, err)
	}
	delete(a.layers, id)
	a.order = slices.DeleteFunc(a.order, func(o string) bool { return o == id })
	return nil
}

func (a *applier) removeSource(id string) error {
	if !a.sources[id] {
		return nil
	}
	if err := ignoreNotFound(a.engine.RemoveSource(id)); err != nil {
		return fmt.Errorf("remove source %s: %w", id, err)
	}
	delete(a.sources, id)
	return nil
}

func (a *applier) putSource(id string, data *geojson.FeatureCollection) error {
	if err := a.removeSource(id); err != nil {
		return err
	}
	if err := a.engine.AddSource(mapengine.Source{ID: id, Data: data}); err != nil {
		return fmt.Errorf("add source %s: %w", id, err)
	}
	a.sources[id] = true
	return nil
}

func (a *applier) putLayer(layer mapengine.Layer) error {
	if err := a.removeLayer(layer.ID); err != nil {
		return err
	}
	if err := a.engine.AddLayer(layer); err != nil {
		return fmt.Errorf("add layer %s: %w", layer.ID, err)
	}
	a.layers[layer.ID] = true
	a.order = append(a.order, layer.ID)
	return nil
}

func (a *applier) setSourceData(id string, data *geojson.FeatureCollection) error {
	if !a.sources[id] {
		return nil
	}
	if err := ignoreNotFound(a.engine.SetSourceData(id, data)); err != nil {
		return fmt.Errorf("set source data %s: %w", id, err)
	}
	return nil
}

func (a *applier) setLayout(layerID, name string, value any) error {
	if !a.layers[layerID] {
		return nil
	}
	if err := ignoreNotFound(a.engine.SetLayoutProperty(layerID, name, value)); err != nil {
		return fmt.Errorf("set layout %s on %s: %w", name, layerID, err)
	}
	return nil
}

func (a *applier) setPaint(layerID, name string, value any) error {
	if !a.layers[layerID] {
		return nil
	}
	if err := ignoreNotFound(a.engine.SetPaintProperty(layerID, name, value)); err != nil {
		return fmt.Errorf("set paint %s on %s: %w", name, layerID, err)
	}
	return nil
}
