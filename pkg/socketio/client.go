// Package socketio is a minimal Socket.IO v5 client (Engine.IO v4) that runs
// directly over a WebSocket transport.
//
// It supports what a streaming client needs: namespace connect, events with
// binary attachments, acknowledgements and the Engine.IO heartbeat. Long
// polling and transport upgrades are not implemented; the client always
// dials the WebSocket transport directly.
//
// Event handlers run on the client's read goroutine and must not block.
package socketio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
)

var (
	// ErrClosed is returned by operations on a client that has been closed or
	// whose connection has been lost.
	ErrClosed = errors.New("socketio: client closed")

	// ErrConnectRefused is returned by [Dial] when the server rejects the
	// namespace connection.
	ErrConnectRefused = errors.New("socketio: namespace connection refused")

	// ErrPingTimeout is reported when the server stops sending heartbeats.
	ErrPingTimeout = errors.New("socketio: ping timeout")

	// ErrServerDisconnect is reported when the server closes the session or
	// disconnects the namespace.
	ErrServerDisconnect = errors.New("socketio: disconnected by server")
)

const (
	defaultPath        = "/socket.io/"
	defaultDialTimeout = 10 * time.Second
	defaultReadLimit   = 16 << 20
	closeWriteTimeout  = time.Second
)

// Handler receives the arguments of an incoming event, with binary
// attachments already restored as []byte.
type Handler func(args []any)

// Option configures [Dial].
type Option func(*options)

type options struct {
	namespace   string
	path        string
	header      http.Header
	auth        map[string]any
	dialTimeout time.Duration
	handlers    map[string]Handler
	httpClient  *http.Client

	onDisconnect func(error)
}

// WithNamespace selects the namespace to join. Defaults to "/".
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns == "" {
			ns = "/"
		}
		if !strings.HasPrefix(ns, "/") {
			ns = "/" + ns
		}
		o.namespace = ns
	}
}

// WithPath overrides the Engine.IO endpoint path. Defaults to "/socket.io/".
func WithPath(p string) Option {
	return func(o *options) { o.path = p }
}

// WithHeader adds an HTTP header to the WebSocket upgrade request.
func WithHeader(key, value string) Option {
	return func(o *options) { o.header.Add(key, value) }
}

// WithAuth sets the payload sent with the namespace CONNECT packet.
func WithAuth(auth map[string]any) Option {
	return func(o *options) { o.auth = auth }
}

// WithDialTimeout bounds the transport dial plus the namespace handshake.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithHandler registers an event handler before the read loop starts, so no
// event sent immediately after connect can be missed.
func WithHandler(event string, h Handler) Option {
	return func(o *options) { o.handlers[event] = h }
}

// WithDisconnectHandler registers fn as the disconnect callback before the
// read loop starts. See [Client.OnDisconnect].
func WithDisconnectHandler(fn func(error)) Option {
	return func(o *options) { o.onDisconnect = fn }
}

// WithHTTPClient sets the HTTP client used for the upgrade request.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// Client is a connected Socket.IO client bound to one namespace. All methods
// are safe for concurrent use.
type Client struct {
	conn         *websocket.Conn
	namespace    string
	sid          string
	pingInterval time.Duration
	pingTimeout  time.Duration

	// writeMu keeps a text frame and its binary attachments contiguous.
	writeMu sync.Mutex

	mu           sync.Mutex
	handlers     map[string]Handler
	acks         map[uint64]chan []any
	nextID       uint64
	onDisconnect func(error)
	errVal       error
	closed       bool

	pinged chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

type openPayload struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

// Dial opens the WebSocket transport at rawURL, completes the Engine.IO
// handshake and joins the configured namespace. ctx governs the connection
// attempt only; use [Client.Close] to end the session.
func Dial(ctx context.Context, rawURL string, opts ...Option) (*Client, error) {
	o := options{
		namespace:   "/",
		path:        defaultPath,
		header:      http.Header{},
		dialTimeout: defaultDialTimeout,
		handlers:    map[string]Handler{},
	}
	for _, opt := range opts {
		opt(&o)
	}

	endpoint, err := transportURL(rawURL, o.path)
	if err != nil {
		return nil, err
	}

	dialCtx := ctx
	if o.dialTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, o.dialTimeout)
		defer cancel()
	}

	conn, _, err := websocket.Dial(dialCtx, endpoint, &websocket.DialOptions{
		HTTPHeader: o.header,
		HTTPClient: o.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("socketio: dial %s: %w", redact(endpoint), err)
	}
	conn.SetReadLimit(defaultReadLimit)

	open, err := readOpen(dialCtx, conn)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "bad open packet")
		return nil, err
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:         conn,
		namespace:    o.namespace,
		pingInterval: time.Duration(open.PingInterval) * time.Millisecond,
		pingTimeout:  time.Duration(open.PingTimeout) * time.Millisecond,
		handlers:     o.handlers,
		onDisconnect: o.onDisconnect,
		acks:         map[uint64]chan []any{},
		pinged:       make(chan struct{}, 1),
		ctx:          sessCtx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}

	var auth any
	if o.auth != nil {
		auth = o.auth
	}
	if err := c.writePacket(dialCtx, Packet{Type: PacketConnect, Namespace: o.namespace, Data: auth}); err != nil {
		cancel()
		conn.Close(websocket.StatusInternalError, "namespace connect failed")
		return nil, fmt.Errorf("socketio: connect namespace %s: %w", o.namespace, err)
	}
	if err := c.awaitConnect(dialCtx); err != nil {
		cancel()
		conn.Close(websocket.StatusNormalClosure, "namespace connect failed")
		return nil, err
	}

	slog.Debug("socketio: connected",
		"namespace", c.namespace,
		"sid", c.sid,
		"ping_interval", c.pingInterval,
		"ping_timeout", c.pingTimeout,
	)

	go c.readLoop()
	if c.pingInterval > 0 {
		go c.heartbeat()
	}
	return c, nil
}

func transportURL(rawURL, path string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("socketio: parse url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("socketio: unsupported url scheme %q", u.Scheme)
	}
	if path == "" {
		path = defaultPath
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.Trim(path, "/") + "/"
	q := u.Query()
	q.Set("EIO", "4")
	q.Set("transport", "websocket")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "<invalid url>"
	}
	return u.Redacted()
}

func readOpen(ctx context.Context, conn *websocket.Conn) (openPayload, error) {
	var open openPayload
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return open, fmt.Errorf("socketio: read open packet: %w", err)
	}
	if typ != websocket.MessageText || len(data) == 0 || data[0] != engineOpen {
		return open, fmt.Errorf("%w: expected engine.io open packet", ErrMalformedPacket)
	}
	if err := jsonAPI.Unmarshal(data[1:], &open); err != nil {
		return open, fmt.Errorf("%w: open payload: %v", ErrMalformedPacket, err)
	}
	return open, nil
}

// awaitConnect reads until the server answers the namespace CONNECT. Pings
// received in the meantime are answered.
func (c *Client) awaitConnect(ctx context.Context) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("socketio: await namespace connect: %w", err)
		}
		if typ != websocket.MessageText || len(data) == 0 {
			continue
		}
		switch data[0] {
		case enginePing:
			if err := c.writeText(ctx, string(enginePong)+string(data[1:])); err != nil {
				return fmt.Errorf("socketio: pong: %w", err)
			}
			continue
		case engineClose:
			return fmt.Errorf("socketio: await namespace connect: %w", ErrServerDisconnect)
		case engineMessage:
		default:
			continue
		}

		p, err := Decode(string(data[1:]))
		if err != nil {
			return err
		}
		if p.Namespace != c.namespace {
			continue
		}
		switch p.Type {
		case PacketConnect:
			if m, ok := p.Data.(map[string]any); ok {
				c.sid, _ = m["sid"].(string)
			}
			return nil
		case PacketConnectError:
			return fmt.Errorf("%w: %s: %s", ErrConnectRefused, c.namespace, connectErrorMessage(p.Data))
		}
	}
}

func connectErrorMessage(data any) string {
	switch v := data.(type) {
	case map[string]any:
		if msg, ok := v["message"].(string); ok {
			return msg
		}
	case string:
		return v
	}
	s, _ := jsonAPI.MarshalToString(data)
	return s
}

// ─── Outgoing ─────────────────────────────────────────────────────────────────

// Emit sends an event to the namespace. []byte arguments, at any depth, are
// sent as binary attachments.
func (c *Client) Emit(ctx context.Context, event string, args ...any) error {
	if err := c.checkOpen(); err != nil {
		return err
	}
	return c.writePacket(ctx, c.eventPacket(event, args))
}

// EmitWithAck sends an event and waits for the server's acknowledgement,
// returning the acknowledgement arguments.
func (c *Client) EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}

	ch := make(chan []any, 1)
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.acks[id] = ch
	c.mu.Unlock()

	p := c.eventPacket(event, args)
	p.ID = id
	p.HasID = true
	if err := c.writePacket(ctx, p); err != nil {
		c.dropAck(id)
		return nil, err
	}

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		c.dropAck(id)
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.terminalErr()
	}
}

func (c *Client) eventPacket(event string, args []any) Packet {
	data := make([]any, 0, len(args)+1)
	data = append(data, event)
	data = append(data, args...)
	return Packet{Type: PacketEvent, Namespace: c.namespace, Data: data}
}

func (c *Client) dropAck(id uint64) {
	c.mu.Lock()
	delete(c.acks, id)
	c.mu.Unlock()
}

func (c *Client) writePacket(ctx context.Context, p Packet) error {
	text, attachments, err := Encode(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.Write(ctx, websocket.MessageText, []byte(string(engineMessage)+text)); err != nil {
		return fmt.Errorf("socketio: write %s: %w", p.Type, err)
	}
	for i, a := range attachments {
		if err := c.conn.Write(ctx, websocket.MessageBinary, a); err != nil {
			return fmt.Errorf("socketio: write attachment %d/%d: %w", i+1, len(attachments), err)
		}
	}
	return nil
}

func (c *Client) writeText(ctx context.Context, s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Write(ctx, websocket.MessageText, []byte(s))
}

// ─── Incoming ─────────────────────────────────────────────────────────────────

// On registers h for event, replacing any previous handler.
func (c *Client) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = h
}

// OnDisconnect registers fn to be called once when the session ends. err is
// nil when the session was ended by [Client.Close]. If the session has
// already ended, fn is called immediately.
func (c *Client) OnDisconnect(fn func(error)) {
	c.mu.Lock()
	select {
	case <-c.done:
		err := c.errVal
		c.mu.Unlock()
		fn(err)
		return
	default:
	}
	c.onDisconnect = fn
	c.mu.Unlock()
}

// readLoop owns the connection's read side. It exits when the connection
// fails or the client is closed.
func (c *Client) readLoop() {
	var (
		pending     *Packet
		attachments [][]byte
	)
	for {
		typ, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.finish(fmt.Errorf("socketio: read: %w", err))
			return
		}

		if typ == websocket.MessageBinary {
			if pending == nil {
				slog.Debug("socketio: unexpected binary frame", "bytes", len(data))
				continue
			}
			attachments = append(attachments, data)
			if len(attachments) == pending.Attachments {
				c.dispatch(*pending, attachments)
				pending, attachments = nil, nil
			}
			continue
		}
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case enginePing:
			select {
			case c.pinged <- struct{}{}:
			default:
			}
			if err := c.writeText(c.ctx, string(enginePong)+string(data[1:])); err != nil {
				c.finish(fmt.Errorf("socketio: pong: %w", err))
				return
			}
		case engineClose:
			c.finish(ErrServerDisconnect)
			return
		case engineMessage:
			p, err := Decode(string(data[1:]))
			if err != nil {
				slog.Warn("socketio: dropping malformed packet", "err", err)
				continue
			}
			if p.Attachments > 0 {
				pending = &p
				attachments = make([][]byte, 0, p.Attachments)
				continue
			}
			if p.Type == PacketDisconnect && p.Namespace == c.namespace {
				c.finish(ErrServerDisconnect)
				return
			}
			c.dispatch(p, nil)
		case engineNoop, engineUpgrade:
		default:
			slog.Debug("socketio: unknown engine.io packet", "type", string(data[0]))
		}
	}
}

func (c *Client) dispatch(p Packet, attachments [][]byte) {
	if p.Namespace != c.namespace {
		return
	}
	data, err := Reconstruct(p.Data, attachments)
	if err != nil {
		slog.Warn("socketio: dropping packet", "type", p.Type, "err", err)
		return
	}
	args, _ := data.([]any)

	switch p.Type {
	case PacketEvent, PacketBinaryEvent:
		if len(args) == 0 {
			slog.Warn("socketio: event without name", "type", p.Type)
			return
		}
		name, ok := args[0].(string)
		if !ok {
			slog.Warn("socketio: event name is not a string", "type", p.Type)
			return
		}
		c.mu.Lock()
		h := c.handlers[name]
		c.mu.Unlock()
		if h == nil {
			slog.Debug("socketio: no handler for event", "event", name)
			return
		}
		h(args[1:])
	case PacketAck, PacketBinaryAck:
		if !p.HasID {
			return
		}
		c.mu.Lock()
		ch, ok := c.acks[p.ID]
		delete(c.acks, p.ID)
		c.mu.Unlock()
		if ok {
			ch <- args
		}
	case PacketConnectError:
		slog.Warn("socketio: connect error after handshake", "message", connectErrorMessage(p.Data))
	}
}

// heartbeat fails the session when no ping arrives within
// pingInterval+pingTimeout.
func (c *Client) heartbeat() {
	window := c.pingInterval + c.pingTimeout
	timer := time.NewTimer(window)
	defer timer.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.pinged:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(window)
		case <-timer.C:
			c.finish(ErrPingTimeout)
			c.conn.Close(websocket.StatusGoingAway, "ping timeout")
			return
		}
	}
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// SID returns the namespace session id assigned by the server.
func (c *Client) SID() string { return c.sid }

// Namespace returns the joined namespace.
func (c *Client) Namespace() string { return c.namespace }

// Done is closed when the session ends for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the session, or nil if it is still open
// or was closed by [Client.Close].
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

func (c *Client) checkOpen() error {
	select {
	case <-c.done:
		return c.terminalErr()
	default:
		return nil
	}
}

func (c *Client) terminalErr() error {
	if err := c.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return ErrClosed
}

// finish records err (unless the client is closing deliberately), closes
// Done and fires the disconnect callback exactly once.
func (c *Client) finish(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		if c.closed {
			err = nil
		}
		c.errVal = err
		fn := c.onDisconnect
		close(c.done)
		c.mu.Unlock()

		c.cancel()
		if err != nil {
			slog.Warn("socketio: session ended", "namespace", c.namespace, "err", err)
		}
		if fn != nil {
			fn(err)
		}
	})
}

// Close leaves the namespace and closes the transport. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	select {
	case <-c.done:
	default:
		ctx, cancel := context.WithTimeout(context.Background(), closeWriteTimeout)
		_ = c.writePacket(ctx, Packet{Type: PacketDisconnect, Namespace: c.namespace})
		cancel()
	}

	c.finish(nil)
	c.conn.Close(websocket.StatusNormalClosure, "client closed")
	return nil
}
