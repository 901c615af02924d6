// Package channel is the rider/driver side of the event channel: one
// persistent websocket carrying named JSON events in both directions.
//
// The client reconnects on its own after a drop and re-announces its identity
// before any other traffic. Subscriptions live on the Client, not on the
// underlying connection, so handlers survive reconnects.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-dispatch/internal/clock"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/location"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var (
	ErrNotConnected     = errors.New("event channel not connected")
	ErrAlreadyConnected = errors.New("event channel already connected")
)

// Handler receives the raw data of one event. It runs on the read goroutine,
// so handlers for a single client never run concurrently.
type Handler = func(data json.RawMessage)

type Identity struct {
	UserID   string
	UserType events.UserType

	// Announced by drivers only.
	DisplayName string
	Vehicle     string
	Rating      float64
}

type Options struct {
	URL    string
	Header http.Header
	Dialer *websocket.Dialer
	Clock  clock.Clock
	Logger *slog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration

	// Location is sampled by the reporter while connected. Nil reuses the
	// location passed to Connect.
	Location         func() *models.LocationSample
	LocationInterval time.Duration

	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (o *Options) defaults() {
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = 500 * time.Millisecond
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = 30 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.PongWait <= o.PingInterval {
		o.PongWait = 2 * o.PingInterval
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
}

type Client struct {
	opts     Options
	logger   *slog.Logger
	reporter *location.Reporter

	mu          sync.RWMutex
	handlers    map[string]Handler
	onReconnect []func()
	conn        *websocket.Conn
	ready       chan struct{}
	identity    Identity
	last        *models.LocationSample
	cancel      context.CancelFunc
	done        chan struct{}

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	opts.defaults()
	c := &Client{
		opts:     opts,
		logger:   opts.Logger.With("component", "event_channel"),
		handlers: make(map[string]Handler),
		ready:    make(chan struct{}),
	}
	c.reporter = location.NewReporter(opts.Clock, opts.LocationInterval, c.publishLocation, c.logger)
	return c
}

// Connect starts the connection loop. It returns immediately; dial failures
// are logged and retried with backoff. The location reporter runs only while
// a connection is up. The loop ends on Disconnect or when ctx is cancelled.
func (c *Client) Connect(ctx context.Context, id Identity, initial *models.LocationSample) error {
	if id.UserID == "" {
		return fmt.Errorf("connect: empty user id")
	}
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.identity = id
	if initial != nil {
		s := *initial
		c.last = &s
	}
	done := c.done
	c.mu.Unlock()

	go c.run(runCtx, done)
	return nil
}

// Disconnect stops the loop and the reporter and closes the socket.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done, conn := c.cancel, c.done, c.conn
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	c.reporter.Stop()
	cancel()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.opts.WriteWait))
		_ = conn.Close()
	}
	<-done
}

func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

// WaitConnected blocks until the channel is connected and announced.
func (c *Client) WaitConnected(ctx context.Context) error {
	for {
		c.mu.RLock()
		ready, connected := c.ready, c.conn != nil
		c.mu.RUnlock()
		if connected {
			return nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Subscribe registers h for event, replacing any previous handler.
func (c *Client) Subscribe(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

func (c *Client) Unsubscribe(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// OnReconnect registers fn to run, on its own goroutine, after every
// reconnection that follows the first successful connection.
func (c *Client) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Emit sends one event. It fails with ErrNotConnected during a drop; the
// caller decides whether the message matters enough to retry.
func (c *Client) Emit(event string, payload any) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrNotConnected
	}
	return c.write(conn, event, payload)
}

func (c *Client) write(conn *websocket.Conn, event string, payload any) error {
	b, err := events.Encode(event, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (c *Client) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	backoff := c.opts.MinBackoff
	connectedBefore := false
	for {
		conn, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, c.opts.Header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.ChannelDialErrorsTotal.Inc()
			c.logger.Warn("event channel dial failed", "url", c.opts.URL, "error", err, "backoff", backoff.String())
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff *= 2
			if backoff > c.opts.MaxBackoff {
				backoff = c.opts.MaxBackoff
			}
			continue
		}
		backoff = c.opts.MinBackoff

		if err := c.announce(conn); err != nil {
			c.logger.Warn("event channel announce failed", "error", err)
			_ = conn.Close()
			if !c.sleep(ctx, backoff) {
				return
			}
			continue
		}
		c.setConn(conn)
		c.reporter.Start(c.currentLocation)
		c.logger.Info("event channel connected", "url", c.opts.URL, "reconnect", connectedBefore)
		if connectedBefore {
			observability.ChannelReconnectsTotal.Inc()
			c.fireReconnect()
		}
		connectedBefore = true

		err = c.serve(ctx, conn)
		c.reporter.Stop()
		c.clearConn(conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn("event channel dropped", "error", err)
		if !c.sleep(ctx, c.opts.MinBackoff) {
			return
		}
	}
}

// announce joins the user's room and reports presence. It runs before the
// connection is published, so nothing can be emitted ahead of it.
func (c *Client) announce(conn *websocket.Conn) error {
	c.mu.RLock()
	id := c.identity
	c.mu.RUnlock()
	loc := c.currentLocation()

	if err := c.write(conn, events.NameJoinRoom, events.JoinRoom{UserID: id.UserID, UserType: id.UserType}); err != nil {
		return err
	}
	if id.UserType == events.UserDriver {
		return c.write(conn, events.NameDriverConnect, events.DriverConnect{
			DriverID:    id.UserID,
			DisplayName: id.DisplayName,
			Vehicle:     id.Vehicle,
			Rating:      id.Rating,
			Location:    loc,
			Status:      "online",
		})
	}
	return c.write(conn, events.NameRiderConnect, events.RiderConnect{RiderID: id.UserID, Location: loc, Status: "online"})
}

func (c *Client) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})

	go func() {
		ticker := time.NewTicker(c.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opts.WriteWait)); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env events.Envelope
		if err := json.Unmarshal(msg, &env); err != nil {
			c.logger.Warn("event channel bad frame", "error", err)
			continue
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env events.Envelope) {
	c.mu.RLock()
	h, ok := c.handlers[env.Type]
	c.mu.RUnlock()
	if !ok {
		c.logger.Debug("event without handler", "event", env.Type)
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("event handler panic", "event", env.Type, "error", rec)
		}
	}()
	h(env.Data)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn = conn
	close(c.ready)
}

func (c *Client) clearConn(conn *websocket.Conn) {
	_ = conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
		c.ready = make(chan struct{})
	}
}

func (c *Client) fireReconnect() {
	c.mu.RLock()
	hooks := append([]func(){}, c.onReconnect...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		go fn()
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.opts.Clock.After(d):
		return true
	}
}

func (c *Client) currentLocation() *models.LocationSample {
	if c.opts.Location != nil {
		if s := c.opts.Location(); s != nil {
			return s
		}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.last == nil {
		return nil
	}
	s := *c.last
	return &s
}

func (c *Client) publishLocation(s models.LocationSample) error {
	c.mu.Lock()
	c.last = &s
	id := c.identity
	c.mu.Unlock()
	return c.Emit(events.NameLocationUpdate, events.LocationUpdate{UserID: id.UserID, UserType: id.UserType, Location: s})
}
