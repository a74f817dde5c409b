package main

import (
	"bytes"
	"context"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/model"
	"github.com/signalsfoundry/coverage-zones/providers"
)

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func fixture(t *testing.T) options {
	t.Helper()
	dir := t.TempDir()
	square := func(id string, x float64) *model.Zone {
		return &model.Zone{ID: id, Geometry: orb.Polygon{{
			{x, 0}, {x + 1, 0}, {x + 1, 1}, {x, 1}, {x, 0},
		}}}
	}
	z1, z2 := square("Z1", 0), square("Z2", 5)
	var buf bytes.Buffer
	err := providers.EncodeDocument(&buf, []*model.Provider{
		{ID: "P1", Name: "Acme", Color: "#ff0000", Zones: []model.ZoneRelation{{Zone: z1}, {Zone: z2}}},
		{ID: "P2", Name: "Beta", Color: "#0000ff", Zones: []model.ZoneRelation{{Zone: z2}}},
	})
	if err != nil {
		t.Fatalf("EncodeDocument: %v", err)
	}

	script := `{
		"steps": [
			{"op": "move", "lng": 0.5, "lat": 0.5},
			{"op": "wait", "duration": "400ms"},
			{"op": "leave"},
			{"op": "click", "lng": 0.5, "lat": 0.5},
			{"op": "wait", "duration": "200ms"},
			{"op": "filters", "filters": {"providerIds": ["P2"]}},
			{"op": "click", "lng": 5.5, "lat": 0.5}
		]
	}`
	return options{
		ProvidersPath: writeFile(t, dir, "providers.json", buf.Bytes()),
		ScriptPath:    writeFile(t, dir, "script.json", []byte(script)),
		Width:         64,
		Height:        48,
	}
}

func TestReplayScript(t *testing.T) {
	opts := fixture(t)
	opts.PNGPath = filepath.Join(t.TempDir(), "final.png")

	var out bytes.Buffer
	if err := replay(context.Background(), opts, &out, logging.Noop()); err != nil {
		t.Fatalf("replay: %v\n%s", err, out.String())
	}
	got := out.String()
	for _, want := range []string{
		"loaded 2 providers in 2 zones",
		"popupOpen at 0.5000,0.5000",
		"popupRemove",
		"multi Z1 [P1]",
		"multi Z2 [P2]",
		"fill-Z1 fill visibility=none",
		"zone Z2: providers=2 visible=1",
	} {
		if !strings.Contains(got, want) {
			t.Fatalf("output missing %q:\n%s", want, got)
		}
	}

	f, err := os.Open(opts.PNGPath)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 48 {
		t.Fatalf("snapshot size = %v", b)
	}
}

func TestReplayRejectsBadScripts(t *testing.T) {
	opts := fixture(t)
	dir := t.TempDir()
	cases := map[string]string{
		"unknown op":   `{"steps": [{"op": "zoom"}]}`,
		"bad duration": `{"steps": [{"op": "wait", "duration": "soon"}]}`,
		"bad json":     `{"steps": [`,
	}
	for name, script := range cases {
		t.Run(name, func(t *testing.T) {
			opts.ScriptPath = writeFile(t, dir, strings.ReplaceAll(name, " ", "_")+".json", []byte(script))
			if err := replay(context.Background(), opts, &bytes.Buffer{}, logging.Noop()); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	opts.ScriptPath = ""
	if err := replay(context.Background(), opts, &bytes.Buffer{}, logging.Noop()); err == nil {
		t.Fatalf("expected error without script")
	}
}
