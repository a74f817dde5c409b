// Command zonemap-replay loads providers onto a headless map and replays a
// scripted sequence of pointer events against it on a simulated clock,
// printing every host callback and the final layer state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/mapengine"
	"github.com/signalsfoundry/coverage-zones/model"
	"github.com/signalsfoundry/coverage-zones/providers"
	"github.com/signalsfoundry/coverage-zones/timectrl"
	"github.com/signalsfoundry/coverage-zones/zonemap"
)

// Script is the replay input.
type Script struct {
	Filters model.FilterState `json:"filters"`
	Steps   []Step            `json:"steps"`
}

// Step is one scripted action. Op is one of move, leave, click, wait,
// filters or selection.
type Step struct {
	Op       string             `json:"op"`
	Lng      float64            `json:"lng,omitempty"`
	Lat      float64            `json:"lat,omitempty"`
	Duration string             `json:"duration,omitempty"`
	Filters  *model.FilterState `json:"filters,omitempty"`
	Enabled  bool               `json:"enabled,omitempty"`
}

type options struct {
	ProvidersPath string
	ScriptPath    string
	PNGPath       string
	Width         int
	Height        int
}

func main() {
	var opts options
	flag.StringVar(&opts.ProvidersPath, "providers", "providers.json", "providers document")
	flag.StringVar(&opts.ScriptPath, "script", "", "replay script (JSON)")
	flag.StringVar(&opts.PNGPath, "png", "", "write a PNG snapshot of the final map here")
	flag.IntVar(&opts.Width, "width", 800, "snapshot width in pixels")
	flag.IntVar(&opts.Height, "height", 600, "snapshot height in pixels")
	flag.Parse()

	log := logging.NewFromEnv()
	if err := replay(context.Background(), opts, os.Stdout, log); err != nil {
		log.Error(context.Background(), "replay failed", logging.Err(err))
		os.Exit(1)
	}
}

func loadScript(path string) (Script, error) {
	var s Script
	if path == "" {
		return s, errors.New("no script given")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read script: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse script %s: %w", path, err)
	}
	return s, nil
}

func providerIDs(list []*model.Provider) string {
	ids := make([]string, 0, len(list))
	for _, p := range list {
		ids = append(ids, p.ID)
	}
	return strings.Join(ids, ",")
}

func replay(ctx context.Context, opts options, out io.Writer, log logging.Logger) error {
	script, err := loadScript(opts.ScriptPath)
	if err != nil {
		return err
	}

	start := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := timectrl.NewManualClock(start)
	stamp := func() string {
		return fmt.Sprintf("+%-8s", clock.Now().Sub(start))
	}

	engine := mapengine.NewMemory(mapengine.WithClock(clock))
	engine.Observe(func(op mapengine.Op) {
		switch op.Kind {
		case mapengine.OpPopupOpen, mapengine.OpPopupUpdate:
			fmt.Fprintf(out, "%s %s at %.4f,%.4f\n", stamp(), op.Kind, op.At.Lon(), op.At.Lat())
		case mapengine.OpPopupRemove:
			fmt.Fprintf(out, "%s %s\n", stamp(), op.Kind)
		}
	})

	ctrl := zonemap.New(engine, zonemap.WithClock(clock), zonemap.WithLogger(log))
	defer ctrl.Close()

	onSelect := func(p *model.Provider) {
		fmt.Fprintf(out, "%s select %s\n", stamp(), p.ID)
	}
	onMulti := func(list []*model.Provider, z *model.Zone) {
		fmt.Fprintf(out, "%s multi %s [%s]\n", stamp(), z.ID, providerIDs(list))
	}

	source := &providers.FileSource{Path: opts.ProvidersPath}
	list, err := ctrl.LoadProvidersOnMap(ctx, source, script.Filters, onSelect, onMulti)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s loaded %d providers in %d zones\n", stamp(), len(list), ctrl.Groups().Len())

	for i, step := range script.Steps {
		if err := runStep(ctx, engine, clock, ctrl, list, step); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, step.Op, err)
		}
	}

	fmt.Fprintln(out, "--- layers")
	_, layers := engine.Snapshot()
	sort.SliceStable(layers, func(i, j int) bool { return layers[i].ID < layers[j].ID })
	for _, l := range layers {
		line := fmt.Sprintf("%s %s visibility=%s", l.ID, l.Type, l.Visibility())
		if c, ok := l.Paint[mapengine.PropFillColor]; ok {
			line += fmt.Sprintf(" color=%v", c)
		}
		if o, ok := l.Paint[mapengine.PropFillOpacity]; ok {
			line += fmt.Sprintf(" opacity=%v", o)
		}
		fmt.Fprintln(out, line)
	}
	fmt.Fprintln(out, "--- state")
	fmt.Fprint(out, ctrl.DumpState())

	if opts.PNGPath != "" {
		f, err := os.Create(opts.PNGPath)
		if err != nil {
			return fmt.Errorf("create snapshot: %w", err)
		}
		if err := engine.RenderPNG(f, mapengine.Viewport{Width: opts.Width, Height: opts.Height}); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	return nil
}

func runStep(ctx context.Context, engine *mapengine.Memory, clock *timectrl.ManualClock, ctrl *zonemap.Controller, list []*model.Provider, step Step) error {
	pt := orb.Point{step.Lng, step.Lat}
	switch step.Op {
	case "move":
		return engine.PointerMove(ctx, pt)
	case "leave":
		engine.PointerOut(ctx)
		return nil
	case "click":
		return engine.Click(ctx, pt)
	case "wait":
		d, err := time.ParseDuration(step.Duration)
		if err != nil || d < 0 {
			return fmt.Errorf("invalid duration %q", step.Duration)
		}
		clock.Advance(d)
		return nil
	case "filters":
		var f model.FilterState
		if step.Filters != nil {
			f = *step.Filters
		}
		return ctrl.RefreshVisibility(ctx, list, f)
	case "selection":
		ctrl.SetSelectionMode(step.Enabled)
		return nil
	default:
		return fmt.Errorf("unknown op %q", step.Op)
	}
}
