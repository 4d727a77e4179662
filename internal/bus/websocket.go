package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// FrameType tags a websocket frame.
type FrameType string

const (
	FrameSubscribe   FrameType = "subscribe"
	FrameUnsubscribe FrameType = "unsubscribe"
	FrameEvent       FrameType = "event"
	FrameError       FrameType = "error"
)

// Frame is the JSON message exchanged between Hub and Client. Sub is
// chosen by the client and scopes every frame to one stream, so one
// connection can carry several streams on the same topic.
type Frame struct {
	Type  FrameType `json:"type"`
	Sub   string    `json:"sub"`
	Topic string    `json:"topic,omitempty"`
	Event *Event    `json:"event,omitempty"`
	Error string    `json:"error,omitempty"`
}

// WSSettings are the websocket timeouts shared by Hub and Client.
type WSSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout is how long a connection may stay silent. Pongs count.
	ReadTimeout  time.Duration
	PingInterval time.Duration
	// SendBuffer bounds frames queued for one connection.
	SendBuffer int
}

// DefaultWSSettings returns the default timeouts.
func DefaultWSSettings() WSSettings {
	return WSSettings{
		HandshakeTimeout: 2 * time.Second,
		WriteTimeout:     5 * time.Second,
		ReadTimeout:      15 * time.Second,
		PingInterval:     5 * time.Second,
		SendBuffer:       256,
	}
}

// errSlowConsumer ends a connection whose send buffer is full.
var errSlowConsumer = errors.New("send buffer full")

// Hub relays a local Subscriber to websocket clients.
//
// Thread-safety: all methods are safe for concurrent use.
type Hub struct {
	source   Subscriber
	settings WSSettings
	upgrader websocket.Upgrader
	auth     func(*http.Request) error

	mu     sync.Mutex
	conns  map[*hubConn]struct{}
	closed bool
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubSettings overrides DefaultWSSettings.
func WithHubSettings(s WSSettings) HubOption {
	return func(h *Hub) { h.settings = s }
}

// WithAuthenticator rejects upgrades for which fn returns an error.
func WithAuthenticator(fn func(*http.Request) error) HubOption {
	return func(h *Hub) { h.auth = fn }
}

// WithOriginCheck overrides the upgrader's origin check. The default
// accepts every origin; CORS is enforced by the HTTP layer in front.
func WithOriginCheck(fn func(*http.Request) bool) HubOption {
	return func(h *Hub) { h.upgrader.CheckOrigin = fn }
}

// NewHub creates a Hub serving streams from source.
func NewHub(source Subscriber, opts ...HubOption) *Hub {
	h := &Hub{
		source:   source,
		settings: DefaultWSSettings(),
		conns:    make(map[*hubConn]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		HandshakeTimeout: h.settings.HandshakeTimeout,
		CheckOrigin:      func(*http.Request) bool { return true },
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ServeHTTP upgrades the request and serves frames until the client
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.auth != nil {
		if err := h.auth(r); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &hubConn{
		hub:    h,
		ws:     ws,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan Frame, h.settings.SendBuffer),
		subs:   make(map[string]Stream),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		cancel()
		ws.Close()
		return
	}
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	slog.Debug("websocket client connected", "remote", r.RemoteAddr)
	go c.writeLoop()
	c.readLoop()
}

// Connections returns the number of connected clients.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Disconnect drops every connected client. Clients see their streams
// end with ErrDropped and may reconnect.
func (h *Hub) Disconnect() {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		c.shutdown()
	}
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() error {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.Disconnect()
	return nil
}

type hubConn struct {
	hub    *Hub
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
	send   chan Frame

	mu   sync.Mutex
	subs map[string]Stream // by client sub id

	once sync.Once
}

func (c *hubConn) readLoop() {
	defer c.shutdown()

	s := c.hub.settings
	c.ws.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read ended", "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(s.ReadTimeout))

		switch f.Type {
		case FrameSubscribe:
			c.subscribe(f.Sub, f.Topic)
		case FrameUnsubscribe:
			c.unsubscribe(f.Sub)
		default:
			c.enqueue(Frame{Type: FrameError, Sub: f.Sub, Error: fmt.Sprintf("unexpected frame %q", f.Type)})
		}
	}
}

func (c *hubConn) subscribe(sub, topic string) {
	if !ValidTopic(topic) {
		c.enqueue(Frame{Type: FrameError, Sub: sub, Topic: topic, Error: "invalid topic"})
		return
	}
	stream, err := c.hub.source.Subscribe(c.ctx, topic)
	if err != nil {
		c.enqueue(Frame{Type: FrameError, Sub: sub, Topic: topic, Error: err.Error()})
		return
	}

	c.mu.Lock()
	if old, ok := c.subs[sub]; ok {
		old.Close()
	}
	c.subs[sub] = stream
	c.mu.Unlock()

	go c.forward(sub, topic, stream)
}

func (c *hubConn) forward(sub, topic string, stream Stream) {
	for ev := range stream.Events() {
		ev := ev
		if !c.enqueue(Frame{Type: FrameEvent, Sub: sub, Topic: topic, Event: &ev}) {
			stream.Close()
			return
		}
	}

	c.mu.Lock()
	cur, ok := c.subs[sub]
	if ok && cur == stream {
		delete(c.subs, sub)
	}
	c.mu.Unlock()

	// A local Close (unsubscribe) ends with a nil error and needs no frame.
	if err := stream.Err(); err != nil && ok && cur == stream {
		c.enqueue(Frame{Type: FrameError, Sub: sub, Topic: topic, Error: err.Error()})
	}
}

func (c *hubConn) unsubscribe(sub string) {
	c.mu.Lock()
	stream, ok := c.subs[sub]
	delete(c.subs, sub)
	c.mu.Unlock()
	if ok {
		stream.Close()
	}
}

// enqueue queues a frame without blocking. A full buffer ends the
// connection.
func (c *hubConn) enqueue(f Frame) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- f:
		return true
	default:
		slog.Warn("dropping slow websocket client", "error", errSlowConsumer)
		go c.shutdown()
		return false
	}
}

func (c *hubConn) writeLoop() {
	defer c.shutdown()
	s := c.hub.settings
	ticker := time.NewTicker(s.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(s.WriteTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				slog.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

func (c *hubConn) shutdown() {
	c.once.Do(func() {
		c.cancel()
		c.ws.Close()

		c.mu.Lock()
		subs := c.subs
		c.subs = map[string]Stream{}
		c.mu.Unlock()
		for _, s := range subs {
			s.Close()
		}

		c.hub.mu.Lock()
		delete(c.hub.conns, c)
		c.hub.mu.Unlock()
	})
}

// Client is a Subscriber over one websocket connection to a Hub. A lost
// connection ends every stream with ErrDropped; the next Subscribe
// dials again.
//
// Thread-safety: all methods are safe for concurrent use.
type Client struct {
	url      string
	header   http.Header
	settings WSSettings
	dialer   *websocket.Dialer

	mu     sync.Mutex
	conn   *clientConn
	nextID int
	closed bool
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientSettings overrides DefaultWSSettings.
func WithClientSettings(s WSSettings) ClientOption {
	return func(c *Client) { c.settings = s }
}

// WithHeader adds headers to the upgrade request (e.g. Authorization).
func WithHeader(h http.Header) ClientOption {
	return func(c *Client) { c.header = h }
}

// NewClient creates a Client for a ws:// or wss:// URL. It dials lazily.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{url: url, settings: DefaultWSSettings()}
	for _, opt := range opts {
		opt(c)
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.settings.HandshakeTimeout,
	}
	return c
}

// Subscribe opens a stream on topic, dialing if no connection is live.
func (c *Client) Subscribe(ctx context.Context, topic string) (Stream, error) {
	if !ValidTopic(topic) {
		return nil, fmt.Errorf("subscribe %q: invalid topic", topic)
	}
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.nextID++
	sub := strconv.Itoa(c.nextID)
	c.mu.Unlock()

	s := &clientStream{conn: conn, sub: sub, ch: make(chan Event, DefaultBuffer)}
	if !conn.register(s) {
		return nil, fmt.Errorf("subscribe %s: %w", topic, ErrDropped)
	}
	if !conn.enqueue(ctx, Frame{Type: FrameSubscribe, Sub: sub, Topic: topic}) {
		conn.end(s, ErrDropped)
		return nil, fmt.Errorf("subscribe %s: %w", topic, ErrDropped)
	}
	return s, nil
}

// Close ends the connection and every stream.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.shutdown(ErrClosed)
	}
	return nil
}

func (c *Client) connection(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn != nil && !c.conn.dead() {
		return c.conn, nil
	}

	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}
	conn := &clientConn{
		ws:       ws,
		settings: c.settings,
		send:     make(chan Frame, c.settings.SendBuffer),
		streams:  make(map[string]*clientStream),
		done:     make(chan struct{}),
	}
	go conn.writeLoop()
	go conn.readLoop()
	c.conn = conn
	slog.Debug("websocket connected", "url", c.url)
	return conn, nil
}

type clientConn struct {
	ws       *websocket.Conn
	settings WSSettings
	send     chan Frame

	mu      sync.Mutex
	streams map[string]*clientStream
	ended   bool

	done chan struct{}
	once sync.Once
}

func (c *clientConn) dead() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func (c *clientConn) register(s *clientStream) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ended {
		return false
	}
	c.streams[s.sub] = s
	return true
}

func (c *clientConn) enqueue(ctx context.Context, f Frame) bool {
	select {
	case c.send <- f:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *clientConn) readLoop() {
	defer c.shutdown(ErrDropped)

	c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
	c.ws.SetPingHandler(func(data string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.settings.WriteTimeout))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			slog.Debug("websocket connection lost", "error", err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))

		c.mu.Lock()
		s, ok := c.streams[f.Sub]
		c.mu.Unlock()
		if !ok {
			continue
		}

		switch f.Type {
		case FrameEvent:
			if f.Event == nil {
				continue
			}
			select {
			case s.ch <- *f.Event:
			default:
				slog.Warn("dropping slow stream", "topic", f.Topic, "sub", f.Sub)
				c.end(s, ErrDropped)
				c.enqueue(context.Background(), Frame{Type: FrameUnsubscribe, Sub: f.Sub})
			}
		case FrameError:
			c.end(s, fmt.Errorf("%w: %s", ErrDropped, f.Error))
		}
	}
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
			if err := c.ws.WriteJSON(f); err != nil {
				c.shutdown(ErrDropped)
				return
			}
		}
	}
}

// end removes s and closes its channel.
func (c *clientConn) end(s *clientStream, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.streams[s.sub]; !ok || cur != s {
		return
	}
	delete(c.streams, s.sub)
	s.err = err
	close(s.ch)
}

func (c *clientConn) shutdown(err error) {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()

		c.mu.Lock()
		c.ended = true
		streams := c.streams
		c.streams = map[string]*clientStream{}
		for _, s := range streams {
			s.err = err
			close(s.ch)
		}
		c.mu.Unlock()
	})
}

type clientStream struct {
	conn *clientConn
	sub  string
	ch   chan Event
	err  error // guarded by conn.mu
}

func (s *clientStream) Events() <-chan Event { return s.ch }

func (s *clientStream) Err() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.err
}

func (s *clientStream) Close() error {
	s.conn.end(s, nil)
	select {
	case s.conn.send <- Frame{Type: FrameUnsubscribe, Sub: s.sub}:
	case <-s.conn.done:
	default:
	}
	return nil
}
