package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/signalsfoundry/coverage-zones/model"
)

// Document is the JSON interchange format for provider lists: providers
// reference zones by id, zones are a GeoJSON FeatureCollection whose
// features carry the zone id in "id" (or the feature id) and an optional
// "name" property.
type Document struct {
	Providers []ProviderRecord           `json:"providers"`
	Zones     *geojson.FeatureCollection `json:"zones"`
}

// ProviderRecord is one provider of a Document.
type ProviderRecord struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Color        string   `json:"color,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
	Zones        []string `json:"zones"`
}

// DecodeDocument reads a Document and resolves zone references. A
// reference to an unknown zone yields a relation without a zone, which the
// zone grouping skips as malformed.
func DecodeDocument(r io.Reader) ([]*model.Provider, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode provider document: %w", err)
	}
	zones, err := zonesFromCollection(doc.Zones)
	if err != nil {
		return nil, err
	}

	out := make([]*model.Provider, 0, len(doc.Providers))
	for _, rec := range doc.Providers {
		p := &model.Provider{
			ID:           rec.ID,
			Name:         rec.Name,
			Color:        rec.Color,
			Technologies: rec.Technologies,
		}
		for _, zid := range rec.Zones {
			p.Zones = append(p.Zones, model.ZoneRelation{Zone: zones[zid]})
		}
		out = append(out, p)
	}
	return out, nil
}

func zonesFromCollection(fc *geojson.FeatureCollection) (map[string]*model.Zone, error) {
	zones := make(map[string]*model.Zone)
	if fc == nil {
		return zones, nil
	}
	for i, f := range fc.Features {
		id := f.Properties.MustString("id", "")
		if id == "" {
			if s, ok := f.ID.(string); ok {
				id = s
			}
		}
		if id == "" {
			return nil, fmt.Errorf("zone feature %d: missing id", i)
		}
		zones[id] = &model.Zone{
			ID:       id,
			Name:     f.Properties.MustString("name", ""),
			Geometry: polygonOf(f.Geometry),
		}
	}
	return zones, nil
}

// polygonOf returns the polygon of a zone geometry. For a multipolygon the
// first member is used; anything else yields no geometry.
func polygonOf(g orb.Geometry) orb.Polygon {
	switch geom := g.(type) {
	case orb.Polygon:
		return geom
	case orb.MultiPolygon:
		if len(geom) > 0 {
			return geom[0]
		}
	}
	return nil
}

// EncodeDocument writes providers in Document form. Zones shared between
// providers are written once.
func EncodeDocument(w io.Writer, list []*model.Provider) error {
	doc := Document{
		Providers: make([]ProviderRecord, 0, len(list)),
		Zones:     geojson.NewFeatureCollection(),
	}
	seen := make(map[string]bool)
	for _, p := range list {
		if p == nil {
			continue
		}
		rec := ProviderRecord{
			ID:           p.ID,
			Name:         p.Name,
			Color:        p.Color,
			Technologies: p.Technologies,
			Zones:        []string{},
		}
		for _, rel := range p.Zones {
			z := rel.Zone
			if z == nil || z.ID == "" {
				continue
			}
			rec.Zones = append(rec.Zones, z.ID)
			if seen[z.ID] || !z.HasGeometry() {
				continue
			}
			seen[z.ID] = true
			f := geojson.NewFeature(z.Geometry)
			f.ID = z.ID
			f.Properties["id"] = z.ID
			if z.Name != "" {
				f.Properties["name"] = z.Name
			}
			doc.Zones.Append(f)
		}
		doc.Providers = append(doc.Providers, rec)
	}
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		return fmt.Errorf("encode provider document: %w", err)
	}
	return nil
}

// FileSource reads providers from a Document on disk on every fetch.
type FileSource struct {
	Path string
}

// FetchProviders implements Fetcher.
func (s *FileSource) FetchProviders(ctx context.Context) ([]*model.Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("open providers file: %w", err)
	}
	defer f.Close()
	list, err := DecodeDocument(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.Path, err)
	}
	return list, nil
}
