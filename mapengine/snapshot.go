package mapengine

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/vector"
)

// Viewport selects the area and pixel size of a snapshot. A zero Bounds
// fits every feature currently in the style.
type Viewport struct {
	Width  int
	Height int
	Bounds orb.Bound
}

var (
	snapshotBackground = color.NRGBA{0xf4, 0xf1, 0xea, 0xff}
	fallbackColor      = color.NRGBA{0x88, 0x88, 0x88, 0xff}
)

// RenderPNG draws every visible layer into a PNG. It is a debugging aid,
// not a cartographic renderer: web mercator projection, no labels other
// than symbol text-field values.
func (m *Memory) RenderPNG(w io.Writer, vp Viewport) error {
	if vp.Width <= 0 || vp.Height <= 0 {
		return fmt.Errorf("render png: invalid size %dx%d", vp.Width, vp.Height)
	}
	sources, layers := m.Snapshot()
	data := make(map[string]Source, len(sources))
	for _, s := range sources {
		data[s.ID] = s
	}

	bounds := vp.Bounds
	if bounds.IsZero() || bounds.IsEmpty() {
		bounds = fitBounds(sources)
	}
	proj := newProjector(bounds, vp.Width, vp.Height)

	img := image.NewNRGBA(image.Rect(0, 0, vp.Width, vp.Height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: snapshotBackground}, image.Point{}, draw.Src)

	for _, l := range layers {
		if l.Visibility() == VisibilityNone {
			continue
		}
		src, ok := data[l.Source]
		if !ok || src.Data == nil {
			continue
		}
		for _, f := range src.Data.Features {
			switch l.Type {
			case LayerFill:
				c := withOpacity(paintColor(l.Paint, PropFillColor), paintFloat(l.Paint, PropFillOpacity, 1))
				fillGeometry(img, proj, f.Geometry, c)
			case LayerLine:
				c := withOpacity(paintColor(l.Paint, PropLineColor), 1)
				strokeGeometry(img, proj, f.Geometry, c, float32(paintFloat(l.Paint, PropLineWidth, 1)))
			case LayerCircle:
				if pt, ok := f.Geometry.(orb.Point); ok {
					c := withOpacity(paintColor(l.Paint, PropCircleColor), 1)
					x, y := proj.point(pt)
					fillCircle(img, x, y, float32(paintFloat(l.Paint, PropCircleRad, 8)), c)
				}
			case LayerSymbol:
				if pt, ok := f.Geometry.(orb.Point); ok {
					text := symbolText(l.Layout, f.Properties)
					c := withOpacity(paintColor(l.Paint, PropTextColor), 1)
					x, y := proj.point(pt)
					drawCenteredText(img, text, x, y, c)
				}
			}
		}
	}
	return png.Encode(w, img)
}

func fitBounds(sources []Source) orb.Bound {
	var b orb.Bound
	first := true
	for _, s := range sources {
		if s.Data == nil {
			continue
		}
		for _, f := range s.Data.Features {
			if f.Geometry == nil {
				continue
			}
			fb := f.Geometry.Bound()
			if first {
				b = fb
				first = false
				continue
			}
			b = b.Union(fb)
		}
	}
	if first {
		return orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}}
	}
	return b.Pad(math.Max(b.Right()-b.Left(), b.Top()-b.Bottom())*0.05 + 1e-6)
}

type projector struct {
	minX, maxY float64
	scaleX     float64
	scaleY     float64
}

func mercatorY(lat float64) float64 {
	lat = math.Max(-85, math.Min(85, lat))
	rad := lat * math.Pi / 180
	return math.Log(math.Tan(math.Pi/4 + rad/2))
}

func newProjector(b orb.Bound, width, height int) projector {
	minX := b.Left() * math.Pi / 180
	maxX := b.Right() * math.Pi / 180
	minY := mercatorY(b.Bottom())
	maxY := mercatorY(b.Top())
	return projector{
		minX:   minX,
		maxY:   maxY,
		scaleX: float64(width) / math.Max(maxX-minX, 1e-9),
		scaleY: float64(height) / math.Max(maxY-minY, 1e-9),
	}
}

func (p projector) point(pt orb.Point) (float32, float32) {
	x := (pt.Lon()*math.Pi/180 - p.minX) * p.scaleX
	y := (p.maxY - mercatorY(pt.Lat())) * p.scaleY
	return float32(x), float32(y)
}

func fillGeometry(img draw.Image, proj projector, g orb.Geometry, c color.Color) {
	var polys []orb.Polygon
	switch geom := g.(type) {
	case orb.Polygon:
		polys = []orb.Polygon{geom}
	case orb.MultiPolygon:
		polys = geom
	default:
		return
	}
	b := img.Bounds()
	r := vector.NewRasterizer(b.Dx(), b.Dy())
	r.DrawOp = draw.Over
	for _, poly := range polys {
		for _, ring := range poly {
			addRing(r, proj, ring)
		}
	}
	r.Draw(img, b, image.NewUniform(c), image.Point{})
}

func addRing(r *vector.Rasterizer, proj projector, ring orb.Ring) {
	if len(ring) < 3 {
		return
	}
	x, y := proj.point(ring[0])
	r.MoveTo(x, y)
	for _, pt := range ring[1:] {
		x, y = proj.point(pt)
		r.LineTo(x, y)
	}
	r.ClosePath()
}

func strokeGeometry(img draw.Image, proj projector, g orb.Geometry, c color.Color, width float32) {
	var lines []orb.LineString
	switch geom := g.(type) {
	case orb.Polygon:
		for _, ring := range geom {
			lines = append(lines, orb.LineString(ring))
		}
	case orb.MultiPolygon:
		for _, poly := range geom {
			for _, ring := range poly {
				lines = append(lines, orb.LineString(ring))
			}
		}
	case orb.LineString:
		lines = []orb.LineString{geom}
	default:
		return
	}
	if width <= 0 {
		width = 1
	}
	b := img.Bounds()
	r := vector.NewRasterizer(b.Dx(), b.Dy())
	r.DrawOp = draw.Over
	for _, ls := range lines {
		for i := 1; i < len(ls); i++ {
			ax, ay := proj.point(ls[i-1])
			bx, by := proj.point(ls[i])
			addSegment(r, ax, ay, bx, by, width)
		}
	}
	r.Draw(img, b, image.NewUniform(c), image.Point{})
}

// addSegment adds a segment as a quad of the given pixel width.
func addSegment(r *vector.Rasterizer, ax, ay, bx, by, width float32) {
	dx, dy := bx-ax, by-ay
	length := float32(math.Hypot(float64(dx), float64(dy)))
	if length == 0 {
		return
	}
	nx, ny := -dy/length*width/2, dx/length*width/2
	r.MoveTo(ax+nx, ay+ny)
	r.LineTo(bx+nx, by+ny)
	r.LineTo(bx-nx, by-ny)
	r.LineTo(ax-nx, ay-ny)
	r.ClosePath()
}

func fillCircle(img draw.Image, cx, cy, radius float32, c color.Color) {
	const steps = 24
	b := img.Bounds()
	r := vector.NewRasterizer(b.Dx(), b.Dy())
	r.DrawOp = draw.Over
	r.MoveTo(cx+radius, cy)
	for i := 1; i < steps; i++ {
		a := 2 * math.Pi * float64(i) / steps
		r.LineTo(cx+radius*float32(math.Cos(a)), cy+radius*float32(math.Sin(a)))
	}
	r.ClosePath()
	r.Draw(img, b, image.NewUniform(c), image.Point{})
}

func drawCenteredText(img draw.Image, text string, x, y float32, c color.Color) {
	if text == "" {
		return
	}
	face := basicfont.Face7x13
	width := font.MeasureString(face, text).Ceil()
	ascent := face.Metrics().Ascent.Ceil()
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.P(int(x)-width/2, int(y)+ascent/2),
	}
	d.DrawString(text)
}

// symbolText resolves a text-field layout value. A value of the form
// "{prop}" reads the feature property.
func symbolText(layout map[string]any, props map[string]any) string {
	field, _ := layout[PropTextField].(string)
	if strings.HasPrefix(field, "{") && strings.HasSuffix(field, "}") {
		key := strings.TrimSuffix(strings.TrimPrefix(field, "{"), "}")
		if v, ok := props[key]; ok {
			return fmt.Sprint(v)
		}
		return ""
	}
	return field
}

func paintFloat(paint map[string]any, key string, def float64) float64 {
	switch v := paint[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

func paintColor(paint map[string]any, key string) color.NRGBA {
	s, _ := paint[key].(string)
	c, err := ParseHexColor(s)
	if err != nil {
		return fallbackColor
	}
	return c
}

func withOpacity(c color.NRGBA, opacity float64) color.NRGBA {
	opacity = math.Max(0, math.Min(1, opacity))
	c.A = uint8(float64(c.A) * opacity)
	return c
}

// ParseHexColor parses "#rgb" or "#rrggbb".
func ParseHexColor(s string) (color.NRGBA, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	if len(s) == 3 {
		s = string([]byte{s[0], s[0], s[1], s[1], s[2], s[2]})
	}
	if len(s) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q", s)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 0xff}, nil
}
