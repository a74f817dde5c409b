package zonemap

import (
	"context"
	"html"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/signalsfoundry/coverage-zones/core"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/mapengine"
	"github.com/signalsfoundry/coverage-zones/model"
	"github.com/signalsfoundry/coverage-zones/timectrl"
)

type hoverPhase int

const (
	hoverIdle hoverPhase = iota
	hoverActive
	hoverPending
	hoverShown
)

func (p hoverPhase) String() string {
	switch p {
	case hoverActive:
		return "hovering"
	case hoverPending:
		return "popup-pending"
	case hoverShown:
		return "popup-shown"
	default:
		return "idle"
	}
}

// hoverState tracks the pointer over one zone fill layer.
type hoverState struct {
	phase     hoverPhase
	lastMove  time.Time
	lastPoint orb.Point
	timer     timectrl.Timer
	popup     mapengine.Popup
	// gen invalidates timers that fired after being superseded.
	gen uint64
}

func (h *hoverState) cancelTimer() {
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	h.gen++
}

func (h *hoverState) reset() {
	h.cancelTimer()
	if h.popup != nil {
		h.popup.Remove()
		h.popup = nil
	}
	h.phase = hoverIdle
}

func (c *Controller) hoverFor(zoneID string) *hoverState {
	h, ok := c.hover[zoneID]
	if !ok {
		h = &hoverState{}
		c.hover[zoneID] = h
	}
	return h
}

// resetHoverLocked returns a zone to Idle, dropping its timer and popup.
func (c *Controller) resetHoverLocked(zoneID string) {
	if h, ok := c.hover[zoneID]; ok {
		h.reset()
		delete(c.hover, zoneID)
	}
}

func (c *Controller) setFillOpacityLocked(ctx context.Context, zoneID string, opacity float64) {
	err := c.engine.SetPaintProperty(core.FillLayerID(zoneID), mapengine.PropFillOpacity, opacity)
	if err != nil {
		c.log.Debug(ctx, "fill opacity not applied",
			logging.String("zone_id", zoneID),
			logging.Err(err),
		)
	}
}

// registerHoverLocked attaches enter/move/leave handlers to a zone fill
// layer once per zone.
func (c *Controller) registerHoverLocked(zoneID string) {
	if _, ok := c.zoneRegs[zoneID]; ok {
		return
	}
	layerID := core.FillLayerID(zoneID)
	c.zoneRegs[zoneID] = []mapengine.Registration{
		c.engine.On(mapengine.EventMouseEnter, layerID, func(ctx context.Context, ev mapengine.Event) {
			c.handleHoverEnter(ctx, zoneID)
		}),
		c.engine.On(mapengine.EventMouseMove, layerID, func(ctx context.Context, ev mapengine.Event) {
			c.handleHoverMove(ctx, zoneID, ev.Point)
		}),
		c.engine.On(mapengine.EventMouseLeave, layerID, func(ctx context.Context, ev mapengine.Event) {
			c.handleHoverLeave(ctx, zoneID)
		}),
	}
}

func (c *Controller) unregisterHoverLocked(zoneID string) {
	for _, reg := range c.zoneRegs[zoneID] {
		c.engine.Off(reg)
	}
	delete(c.zoneRegs, zoneID)
	c.resetHoverLocked(zoneID)
}

func (c *Controller) handleHoverEnter(ctx context.Context, zoneID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.SelectionMode {
		return
	}
	h := c.hoverFor(zoneID)
	if h.phase == hoverIdle {
		h.phase = hoverActive
	}
	c.setFillOpacityLocked(ctx, zoneID, HoverFillOpacity)
}

func (c *Controller) handleHoverMove(ctx context.Context, zoneID string, pt orb.Point) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.SelectionMode {
		return
	}
	h := c.hoverFor(zoneID)
	if h.phase == hoverIdle {
		// The enter was swallowed, e.g. while selection mode was on.
		h.phase = hoverActive
		c.setFillOpacityLocked(ctx, zoneID, HoverFillOpacity)
	}

	h.lastMove = c.clock.Now()
	h.lastPoint = pt
	h.cancelTimer()
	gen := h.gen
	timerCtx := context.WithoutCancel(ctx)
	h.timer = c.clock.AfterFunc(HoverDelay, func() {
		c.hoverTimerFired(timerCtx, zoneID, gen)
	})

	if h.phase == hoverShown && h.popup != nil {
		h.popup.SetLngLat(pt)
		return
	}
	h.phase = hoverPending
}

func (c *Controller) hoverTimerFired(ctx context.Context, zoneID string, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	h, ok := c.hover[zoneID]
	if !ok || h.gen != gen || h.phase == hoverIdle {
		return
	}
	h.timer = nil
	if c.clock.Now().Sub(h.lastMove) < HoverDelay {
		return
	}

	_, visible := c.state.visibleIn(c.policy, zoneID)
	if len(visible) == 0 {
		if h.popup != nil {
			h.popup.Remove()
			h.popup = nil
		}
		h.phase = hoverActive
		return
	}

	content := popupHTML(visible)
	if h.popup != nil && h.popup.IsOpen() {
		h.popup.SetLngLat(h.lastPoint)
		h.popup.SetHTML(content)
	} else {
		h.popup = c.engine.ShowPopup(h.lastPoint, content)
		c.metrics.IncPopupsShown()
		c.log.Debug(ctx, "hover popup shown",
			logging.String("zone_id", zoneID),
			logging.Int("providers", len(visible)),
		)
	}
	h.phase = hoverShown
}

func (c *Controller) handleHoverLeave(ctx context.Context, zoneID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.SelectionMode {
		return
	}
	if h, ok := c.hover[zoneID]; ok {
		h.reset()
	}
	c.setFillOpacityLocked(ctx, zoneID, BaseFillOpacity)
}

// popupHTML renders the hover popup body: a color-dot list when several
// providers are visible, otherwise the single provider name.
func popupHTML(visible []*model.Provider) string {
	if len(visible) == 1 {
		return `<div class="zone-popup"><strong>` + html.EscapeString(visible[0].Name) + `</strong></div>`
	}
	var b strings.Builder
	b.WriteString(`<div class="zone-popup"><ul>`)
	for _, p := range visible {
		b.WriteString(`<li><span class="dot" style="background:`)
		b.WriteString(html.EscapeString(providerColor(p)))
		b.WriteString(`"></span>`)
		b.WriteString(html.EscapeString(p.Name))
		b.WriteString(`</li>`)
	}
	b.WriteString(`</ul></div>`)
	return b.String()
}
