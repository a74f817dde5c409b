// Package livemap streams a headless map engine to browser clients over
// websockets. Each client first receives the full style and then every
// mutation as it happens; pointer messages from clients are fed back into
// the engine's event dispatch.
package livemap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/paulmach/orb"
	"github.com/signalsfoundry/coverage-zones/internal/logging"
	"github.com/signalsfoundry/coverage-zones/mapengine"
)

const (
	writeTimeout = 5 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 20 * time.Second
	sendBuffer   = 256
	maxReadBytes = 4096
)

// Server message types.
const (
	MsgStyle  = "style"
	MsgOp     = "op"
	MsgNotice = "notice"
)

// Client message types.
const (
	MsgMove  = "move"
	MsgLeave = "leave"
	MsgClick = "click"
)

// StyleMessage carries the full engine state, sent once on connect.
type StyleMessage struct {
	Type    string                 `json:"type"`
	Sources []mapengine.Source     `json:"sources"`
	Layers  []mapengine.Layer      `json:"layers"`
	Popups  []mapengine.PopupState `json:"popups,omitempty"`
}

// OpMessage carries one engine mutation.
type OpMessage struct {
	Type string       `json:"type"`
	Op   mapengine.Op `json:"op"`
}

// NoticeMessage carries an application event, such as a provider
// selection, to every client.
type NoticeMessage struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	Payload any    `json:"payload,omitempty"`
}

// ClientMessage is a pointer interaction reported by a browser.
type ClientMessage struct {
	Type string  `json:"type"`
	Lng  float64 `json:"lng"`
	Lat  float64 `json:"lat"`
}

// Hub fans engine mutations out to websocket clients.
type Hub struct {
	engine   *mapengine.Memory
	log      logging.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewHub attaches a hub to engine. The hub observes the engine for its
// whole lifetime.
func NewHub(engine *mapengine.Memory, log logging.Logger) *Hub {
	if log == nil {
		log = logging.Noop()
	}
	h := &Hub{
		engine:  engine,
		log:     log,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	engine.Observe(h.broadcastOp)
	return h
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcastOp(op mapengine.Op) {
	msg, err := json.Marshal(OpMessage{Type: MsgOp, Op: op})
	if err != nil {
		h.log.Warn(context.Background(), "livemap: encode op failed",
			logging.String("kind", string(op.Kind)), logging.Err(err))
		return
	}
	h.broadcast(msg)
}

// Notify broadcasts a named application event.
func (h *Hub) Notify(name string, payload any) error {
	msg, err := json.Marshal(NoticeMessage{Type: MsgNotice, Name: name, Payload: payload})
	if err != nil {
		return fmt.Errorf("livemap: encode notice %s: %w", name, err)
	}
	h.broadcast(msg)
	return nil
}

func (h *Hub) broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			// Slow client; it reconnects and gets a fresh style.
			delete(h.clients, c)
			c.stop()
		}
	}
}

func (h *Hub) styleMessage() ([]byte, error) {
	sources, layers := h.engine.Snapshot()
	return json.Marshal(StyleMessage{
		Type:    MsgStyle,
		Sources: sources,
		Layers:  layers,
		Popups:  h.engine.Popups(),
	})
}

// ServeHTTP upgrades the request and serves one client until it
// disconnects or the hub closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "livemap: upgrade failed", logging.Err(err))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	// Registering before the snapshot means no op is missed; an op that
	// lands in both is applied idempotently by the client.
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	style, err := h.styleMessage()
	if err != nil {
		h.log.Warn(r.Context(), "livemap: encode style failed", logging.Err(err))
		h.drop(c)
		conn.Close()
		return
	}

	h.log.Debug(r.Context(), "livemap: client connected", logging.String("remote", r.RemoteAddr))
	ctx := context.WithoutCancel(r.Context())
	go h.writeLoop(c, style)
	h.readLoop(ctx, c)
	h.drop(c)
	conn.Close()
	h.log.Debug(ctx, "livemap: client disconnected", logging.String("remote", r.RemoteAddr))
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.stop()
}

func (h *Hub) writeLoop(c *client, first []byte) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.conn.Close()

	write := func(msg []byte) error {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return c.conn.WriteMessage(websocket.TextMessage, msg)
	}
	if err := write(first); err != nil {
		return
	}
	for {
		select {
		case <-c.done:
			deadline := time.Now().Add(writeTimeout)
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return
		case msg := <-c.send:
			if err := write(msg); err != nil {
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.log.Debug(ctx, "livemap: read ended", logging.Err(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug(ctx, "livemap: bad client message", logging.Err(err))
			continue
		}
		if err := h.Dispatch(ctx, msg); err != nil {
			h.log.Debug(ctx, "livemap: dispatch failed",
				logging.String("type", msg.Type), logging.Err(err))
		}
	}
}

// ErrUnknownMessage is returned by Dispatch for unrecognised message types.
var ErrUnknownMessage = errors.New("livemap: unknown client message")

// Dispatch feeds one client pointer message into the engine.
func (h *Hub) Dispatch(ctx context.Context, msg ClientMessage) error {
	pt := orb.Point{msg.Lng, msg.Lat}
	switch msg.Type {
	case MsgMove:
		return h.engine.PointerMove(ctx, pt)
	case MsgLeave:
		h.engine.PointerOut(ctx)
		return nil
	case MsgClick:
		return h.engine.Click(ctx, pt)
	default:
		return ErrUnknownMessage
	}
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		c.stop()
	}
}
