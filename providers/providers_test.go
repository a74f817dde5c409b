package providers

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/redis/go-redis/v9"
	"github.com/signalsfoundry/coverage-zones/model"
)

func squareZone(id string, x, y float64) *model.Zone {
	return &model.Zone{
		ID:   id,
		Name: "Zone " + id,
		Geometry: orb.Polygon{{
			{x, y}, {x + 1, y}, {x + 1, y + 1}, {x, y + 1}, {x, y},
		}},
	}
}

func sampleProviders() []*model.Provider {
	z1 := squareZone("Z1", 0, 0)
	z2 := squareZone("Z2", 5, 5)
	return []*model.Provider{
		{
			ID: "P1", Name: "Acme Fiber", Color: "#ff0000",
			Technologies: []string{"fiber", "dsl"},
			Zones:        []model.ZoneRelation{{Zone: z1}, {Zone: z2}},
		},
		{
			ID: "P2", Name: "Beta Air",
			Zones: []model.ZoneRelation{{Zone: z2}},
		},
	}
}

func checkSample(t *testing.T, got []*model.Provider) {
	t.Helper()
	if len(got) != 2 {
		t.Fatalf("got %d providers, want 2", len(got))
	}
	p1, p2 := got[0], got[1]
	if p1.ID != "P1" || p1.Name != "Acme Fiber" || p1.Color != "#ff0000" {
		t.Fatalf("P1 = %+v", p1)
	}
	if strings.Join(p1.Technologies, ",") != "fiber,dsl" {
		t.Fatalf("P1 technologies = %v", p1.Technologies)
	}
	if ids := strings.Join(p1.ZoneIDs(), ","); ids != "Z1,Z2" {
		t.Fatalf("P1 zones = %s, want Z1,Z2", ids)
	}
	if ids := strings.Join(p2.ZoneIDs(), ","); ids != "Z2" {
		t.Fatalf("P2 zones = %s, want Z2", ids)
	}
	z := p1.Zones[0].Zone
	if z.Name != "Zone Z1" || !z.HasGeometry() || len(z.Geometry[0]) != 5 {
		t.Fatalf("Z1 = %+v", z)
	}
	if z.Geometry[0][1] != (orb.Point{1, 0}) {
		t.Fatalf("Z1 ring[1] = %v", z.Geometry[0][1])
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := EncodeDocument(&buf, sampleProviders()); err != nil {
		t.Fatalf("EncodeDocument error: %v", err)
	}
	got, err := DecodeDocument(&buf)
	if err != nil {
		t.Fatalf("DecodeDocument error: %v", err)
	}
	checkSample(t, got)
	if got[0].Zones[1].Zone != got[1].Zones[0].Zone {
		t.Fatalf("shared zone decoded as two values")
	}
}

func TestDecodeDocumentUnknownZone(t *testing.T) {
	doc := `{
		"providers": [{"id": "P1", "name": "One", "zones": ["Z1", "missing"]}],
		"zones": {"type": "FeatureCollection", "features": [
			{"type": "Feature", "properties": {"id": "Z1"},
			 "geometry": {"type": "Polygon", "coordinates": [[[0,0],[1,0],[1,1],[0,0]]]}}
		]}
	}`
	got, err := DecodeDocument(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("DecodeDocument error: %v", err)
	}
	if len(got[0].Zones) != 2 || got[0].Zones[1].Zone != nil {
		t.Fatalf("unknown zone should decode as a malformed relation: %+v", got[0].Zones)
	}
}

func TestDecodeDocumentMultiPolygonAndFeatureID(t *testing.T) {
	doc := `{
		"providers": [{"id": "P1", "name": "One", "zones": ["Z9"]}],
		"zones": {"type": "FeatureCollection", "features": [
			{"type": "Feature", "id": "Z9", "properties": {},
			 "geometry": {"type": "MultiPolygon", "coordinates": [
				[[[0,0],[2,0],[2,2],[0,0]]],
				[[[5,5],[6,5],[6,6],[5,5]]]
			 ]}}
		]}
	}`
	got, err := DecodeDocument(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("DecodeDocument error: %v", err)
	}
	z := got[0].Zones[0].Zone
	if z == nil || z.ID != "Z9" {
		t.Fatalf("zone = %+v, want Z9 from feature id", z)
	}
	if z.Geometry[0][1] != (orb.Point{2, 0}) {
		t.Fatalf("multipolygon should use its first member, got %v", z.Geometry)
	}
}

func TestDecodeDocumentErrors(t *testing.T) {
	if _, err := DecodeDocument(strings.NewReader("{")); err == nil {
		t.Fatalf("expected error for truncated json")
	}
	noID := `{"providers": [], "zones": {"type": "FeatureCollection", "features": [
		{"type": "Feature", "properties": {}, "geometry": {"type": "Point", "coordinates": [0,0]}}]}}`
	if _, err := DecodeDocument(strings.NewReader(noID)); err == nil {
		t.Fatalf("expected error for zone without id")
	}
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.json")
	var buf bytes.Buffer
	if err := EncodeDocument(&buf, sampleProviders()); err != nil {
		t.Fatalf("EncodeDocument error: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	src := &FileSource{Path: path}
	got, err := src.FetchProviders(context.Background())
	if err != nil {
		t.Fatalf("FetchProviders error: %v", err)
	}
	checkSample(t, got)

	missing := &FileSource{Path: filepath.Join(t.TempDir(), "nope.json")}
	if _, err := missing.FetchProviders(context.Background()); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file err = %v, want ErrNotExist", err)
	}
}

func TestSQLiteSourceRoundTrip(t *testing.T) {
	ctx := context.Background()
	src, err := OpenSQL(ctx, DriverSQLite, filepath.Join(t.TempDir(), "zones.db"))
	if err != nil {
		t.Fatalf("OpenSQL error: %v", err)
	}
	defer src.Close()

	got, err := src.FetchProviders(ctx)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty FetchProviders = %v, %v", got, err)
	}

	if err := src.SaveProviders(ctx, sampleProviders()); err != nil {
		t.Fatalf("SaveProviders error: %v", err)
	}
	got, err = src.FetchProviders(ctx)
	if err != nil {
		t.Fatalf("FetchProviders error: %v", err)
	}
	checkSample(t, got)

	// A second save replaces everything.
	if err := src.SaveProviders(ctx, sampleProviders()[1:]); err != nil {
		t.Fatalf("second SaveProviders error: %v", err)
	}
	got, err = src.FetchProviders(ctx)
	if err != nil || len(got) != 1 || got[0].ID != "P2" {
		t.Fatalf("after replace FetchProviders = %v, %v", got, err)
	}
}

func TestSQLSourcePlaceholders(t *testing.T) {
	if got := NewSQLSource(nil, DriverPostgres).ph(3); got != "$3" {
		t.Fatalf("postgres placeholder = %q", got)
	}
	if got := NewSQLSource(nil, DriverSQLite).ph(3); got != "?" {
		t.Fatalf("sqlite placeholder = %q", got)
	}
}

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenSQL(context.Background(), "oracle", "x"); !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("OpenSQL err = %v, want ErrUnsupportedSource", err)
	}
	if _, err := OpenSQL(context.Background(), DriverSQLite, ""); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	if _, _, err := Open(ctx, Config{Kind: "ftp"}, nil); !errors.Is(err, ErrUnsupportedSource) {
		t.Fatalf("Open err = %v, want ErrUnsupportedSource", err)
	}
	if _, _, err := Open(ctx, Config{Kind: SourceFile}, nil); err == nil {
		t.Fatalf("expected error for file source without path")
	}

	f, closeFn, err := Open(ctx, Config{Kind: SourceSQLite, Path: filepath.Join(t.TempDir(), "p.db")}, nil)
	if err != nil {
		t.Fatalf("Open sqlite error: %v", err)
	}
	if _, ok := f.(*SQLSource); !ok {
		t.Fatalf("Open sqlite returned %T", f)
	}
	if err := closeFn(); err != nil {
		t.Fatalf("close error: %v", err)
	}
}

// unreachableRedis returns a client that fails fast on every command.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestCachedSourceFallsThroughWhenRedisDown(t *testing.T) {
	calls := 0
	inner := FetcherFunc(func(context.Context) ([]*model.Provider, error) {
		calls++
		return sampleProviders(), nil
	})
	cache := NewCachedSource(inner, unreachableRedis(t), 0, nil)
	if cache.ttl != DefaultCacheTTL {
		t.Fatalf("ttl = %v, want default", cache.ttl)
	}

	for range 2 {
		got, err := cache.FetchProviders(context.Background())
		if err != nil {
			t.Fatalf("FetchProviders error: %v", err)
		}
		checkSample(t, got)
	}
	if calls != 2 {
		t.Fatalf("inner calls = %d, want 2", calls)
	}
	if err := cache.Invalidate(context.Background()); err == nil {
		t.Fatalf("Invalidate against unreachable redis should fail")
	}
}

func TestCachedSourcePropagatesInnerError(t *testing.T) {
	boom := errors.New("boom")
	inner := FetcherFunc(func(context.Context) ([]*model.Provider, error) { return nil, boom })
	cache := NewCachedSource(inner, unreachableRedis(t), time.Minute, nil)
	if _, err := cache.FetchProviders(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}
