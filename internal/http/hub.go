package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/events"
)

const (
	pingInterval   = 30 * time.Second
	pongWait       = 60 * time.Second
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	sendBuffer     = 256
)

var ErrNotConnected = errors.New("no connection in room")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// MessageHandler receives every frame a connection sends.
type MessageHandler func(c *Conn, name string, data json.RawMessage) error

// Conn is one websocket session. It has no identity until it sends join-room.
type Conn struct {
	ID string

	hub  *Hub
	ws   *websocket.Conn
	send chan []byte
	// authUser is the user id proven by the upgrade request's bearer
	// token, if it had one. join-room must agree with it.
	authUser string

	mu       sync.Mutex
	userID   string
	userType events.UserType
	online   bool
	closed   bool
}

func (c *Conn) Identity() (string, events.UserType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, c.userType
}

// Hub tracks connections by room. Every user has one room,
// events.Room(type, id), which may hold several connections.
type Hub struct {
	// Verifier resolves bearer tokens; nil means auth.PlainTokens.
	Verifier auth.Verifier

	mu      sync.RWMutex
	rooms   map[string]map[*Conn]struct{}
	handler MessageHandler
	onClose func(*Conn)
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Hub{rooms: make(map[string]map[*Conn]struct{}), logger: logger.With("component", "ws_hub")}
}

func (h *Hub) SetMessageHandler(fn MessageHandler) { h.handler = fn }

// OnClose runs after a connection has left its room.
func (h *Hub) OnClose(fn func(*Conn)) { h.onClose = fn }

// Join puts c in the room for its user. A connection joins at most once.
func (h *Hub) Join(c *Conn, userID string, t events.UserType) error {
	if userID == "" || (t != events.UserRider && t != events.UserDriver) {
		return errors.New("join-room: bad identity")
	}
	if c.authUser == "" && h.tokensRequired() {
		return errors.New("join-room: connection is not authenticated")
	}
	if c.authUser != "" && c.authUser != userID {
		return errors.New("join-room: identity does not match token")
	}
	c.mu.Lock()
	if c.userID != "" {
		same := c.userID == userID && c.userType == t
		c.mu.Unlock()
		if same {
			return nil
		}
		return errors.New("join-room: already joined")
	}
	c.userID, c.userType = userID, t
	c.mu.Unlock()

	room := events.Room(t, userID)
	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		h.rooms[room] = members
	}
	members[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("joined room", "conn_id", c.ID, "room", room)
	return nil
}

// Notify queues an event for every connection in room. It does not block: a
// connection whose buffer is full misses the event.
func (h *Hub) Notify(room, event string, payload any) error {
	frame, err := events.Encode(event, payload)
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := h.rooms[room]
	if len(members) == 0 {
		return ErrNotConnected
	}
	delivered := 0
	for c := range members {
		select {
		case c.send <- frame:
			delivered++
		default:
			h.logger.Warn("send buffer full", "conn_id", c.ID, "room", room, "event", event)
		}
	}
	if delivered == 0 {
		return ErrNotConnected
	}
	return nil
}

// Connected reports whether anyone is in room.
func (h *Hub) Connected(room string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room]) > 0
}

func (h *Hub) verifier() auth.Verifier {
	if h.Verifier == nil {
		return auth.PlainTokens{}
	}
	return h.Verifier
}

// tokensRequired is false only for plain tokens, where join-room alone names
// the user.
func (h *Hub) tokensRequired() bool {
	_, plain := h.verifier().(auth.PlainTokens)
	return !plain
}

// ServeWS upgrades the request. With plain tokens the bearer is optional and
// join-room carries the identity; otherwise a verified bearer is required.
// A bad token is refused before the upgrade either way.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	var authUser string
	tok := bearerToken(r)
	if tok == "" && h.tokensRequired() {
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return
	}
	if tok != "" {
		id, err := h.verifier().UserID(tok)
		if err != nil {
			w.Header().Set("WWW-Authenticate", "Bearer")
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		authUser = id
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	c := &Conn{
		ID:       uuid.NewString(),
		hub:      h,
		ws:       ws,
		send:     make(chan []byte, sendBuffer),
		authUser: authUser,
	}
	h.logger.Debug("ws connected", "conn_id", c.ID, "remote_addr", remoteIP(r))
	go c.writePump()
	go c.readPump()
}

func (h *Hub) remove(c *Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	userID, t := c.userID, c.userType
	c.mu.Unlock()

	if userID != "" {
		room := events.Room(t, userID)
		h.mu.Lock()
		if members, ok := h.rooms[room]; ok {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, room)
			}
		}
		h.mu.Unlock()
	}
	close(c.send)
	if h.onClose != nil {
		h.onClose(c)
	}
	h.logger.Debug("ws disconnected", "conn_id", c.ID, "user_id", userID)
}

func (c *Conn) readPump() {
	defer func() {
		c.hub.remove(c)
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("ws read error", "conn_id", c.ID, "error", err)
			}
			return
		}
		// any frame proves the peer is alive
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		var env events.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.hub.logger.Warn("ws bad frame", "conn_id", c.ID, "error", err)
			continue
		}
		if c.hub.handler == nil {
			continue
		}
		if err := c.hub.handler(c, env.Type, env.Data); err != nil {
			c.hub.logger.Warn("ws message rejected", "conn_id", c.ID, "event", env.Type, "error", err)
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
