// Package transport implements the player's single-client duplex
// websocket endpoint. It is grounded on the teacher's
// internal/api/http/ws_hub.go (Upgrader, writePump/readPump split,
// ping/pong deadlines) but generalized from a multi-client broadcast
// hub down to the spec's single-live-peer contract: a new connection
// evicts and closes whatever client was previously registered.
package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	maxMessage = 8192
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// EventKind discriminates the events the engine receives from the
// transport over its single event channel.
type EventKind int

const (
	EventConnect EventKind = iota
	EventDisconnect
	EventMessage
)

// Event is one notification posted to the engine's mailbox.
type Event struct {
	Kind    EventKind
	Message InboundMessage
}

// Transport accepts at most one live player connection and exposes a
// single channel of connect/disconnect/message events — a mailbox, not
// setter-reassigned callbacks, per spec.md's Design Notes.
type Transport struct {
	logger *slog.Logger
	events chan Event

	mu      sync.Mutex
	current *client
}

// New creates a transport. Events must be drained by the caller;
// events is buffered so a slow consumer does not block the read pump
// for more than a few hundred milliseconds per spec.md §5.
func New(logger *slog.Logger) *Transport {
	return &Transport{
		logger: logger,
		events: make(chan Event, 64),
	}
}

// Events returns the channel of connect/disconnect/message events.
func (t *Transport) Events() <-chan Event {
	return t.events
}

// ServeHTTP upgrades the request to a websocket and installs it as the
// sole live client, closing and replacing whatever was there before.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("transport: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 16)}

	t.mu.Lock()
	prev := t.current
	t.current = c
	t.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	go c.writePump(t.logger)
	t.readPump(c)
}

// readPump drives one client's inbound frames until it errors out,
// then evicts it (if it is still the current client) and emits a
// disconnect event.
func (t *Transport) readPump(c *client) {
	defer func() {
		c.close()
		t.mu.Lock()
		if t.current == c {
			t.current = nil
		}
		t.mu.Unlock()
		t.emit(Event{Kind: EventDisconnect})
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	t.emit(Event{Kind: EventConnect})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := DecodeInbound(raw)
		if err != nil {
			t.logger.Warn("transport: dropping malformed message", slog.String("error", err.Error()))
			continue
		}
		if msg.Type == "" {
			continue
		}
		switch msg.Type {
		case TypeReady, TypeHeartbeat, TypeStateChange, TypePlaylistLoaded, TypeError:
			t.emit(Event{Kind: EventMessage, Message: msg})
		default:
			t.logger.Debug("transport: unknown message type dropped", slog.String("type", msg.Type))
		}
	}
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("transport: event channel full, dropping event")
	}
}

// IsConnected reports whether a live client is currently registered.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current != nil
}

// Send marshals msg and writes it to the current client. If no client
// is connected, the message is dropped with a warning — never queued,
// since recovery re-issues commands on reconnect (spec.md §4.2).
func (t *Transport) Send(msg any) {
	t.mu.Lock()
	c := t.current
	t.mu.Unlock()

	if c == nil {
		t.logger.Warn("transport: send dropped, no player connected")
		return
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		t.logger.Error("transport: marshal failed", slog.String("error", err.Error()))
		return
	}

	if !c.trySend(payload) {
		t.logger.Warn("transport: client send buffer full or closed, dropping message")
	}
}

// Close disconnects the current client, if any.
func (t *Transport) Close() {
	t.mu.Lock()
	c := t.current
	t.current = nil
	t.mu.Unlock()
	if c != nil {
		c.close()
	}
}

type client struct {
	conn     *websocket.Conn
	send     chan []byte
	closeMu  sync.Mutex
	closed   bool
}

func (c *client) close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// trySend enqueues payload for delivery, returning false if the client
// is already closed or its send buffer is full.
func (c *client) trySend(payload []byte) bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (c *client) writePump(logger *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
