// Package socketiotest provides an in-process Socket.IO server for tests.
//
// It speaks just enough Engine.IO v4 over WebSocket to accept a
// [socketio.Client]: the open packet, the namespace CONNECT exchange, events
// with binary attachments and acknowledgements. Each accepted connection is
// handed to the test through [Server.Accept] and driven explicitly.
package socketiotest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/resemble-ai/resemble-live-sts-socket/pkg/socketio"
)

// Option configures a [Server].
type Option func(*Server)

// WithNamespace sets the namespace the server accepts. Defaults to "/".
func WithNamespace(ns string) Option {
	return func(s *Server) { s.namespace = ns }
}

// WithRefusal makes the server answer every namespace CONNECT with a
// CONNECT_ERROR carrying msg.
func WithRefusal(msg string) Option {
	return func(s *Server) { s.refusal = msg }
}

// WithPing sets the heartbeat parameters announced in the open packet. The
// server itself never pings unless the test calls [Conn.Ping].
func WithPing(interval, timeout time.Duration) Option {
	return func(s *Server) {
		s.pingInterval = interval
		s.pingTimeout = timeout
	}
}

// Server is an httptest-backed Socket.IO endpoint.
type Server struct {
	// URL is the http:// base URL of the server.
	URL string

	srv          *httptest.Server
	namespace    string
	refusal      string
	pingInterval time.Duration
	pingTimeout  time.Duration
	conns        chan *Conn
	nextSID      atomic.Int64

	mu  sync.Mutex
	all []*Conn
}

// NewServer starts a server that is closed automatically when the test ends.
func NewServer(tb testing.TB, opts ...Option) *Server {
	tb.Helper()
	s := &Server{
		namespace:    "/",
		pingInterval: 25 * time.Second,
		pingTimeout:  20 * time.Second,
		conns:        make(chan *Conn, 8),
	}
	for _, o := range opts {
		o(s)
	}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	s.URL = s.srv.URL
	tb.Cleanup(s.srv.Close)
	tb.Cleanup(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, c := range s.all {
			c.Close()
		}
	})
	return s
}

// Accept waits for the next client that completed the namespace handshake.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		return
	}
	defer ws.CloseNow()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	n := s.nextSID.Add(1)
	c := &Conn{
		ws:        ws,
		namespace: s.namespace,
		Header:    r.Header.Clone(),
		Query:     r.URL.Query(),
		SID:       fmt.Sprintf("sio-%d", n),
		closed:    make(chan struct{}),
	}
	s.mu.Lock()
	s.all = append(s.all, c)
	s.mu.Unlock()
	open := fmt.Sprintf(`0{"sid":"eio-%d","upgrades":[],"pingInterval":%d,"pingTimeout":%d,"maxPayload":1000000}`,
		n, s.pingInterval.Milliseconds(), s.pingTimeout.Milliseconds())
	if err := c.SendRaw(ctx, open); err != nil {
		return
	}

	p, err := c.ReadPacket(ctx)
	if err != nil || p.Type != socketio.PacketConnect || p.Namespace != s.namespace {
		ws.Close(websocket.StatusProtocolError, "expected namespace connect")
		return
	}
	c.ConnectData = p.Data
	if s.refusal != "" {
		text, _, _ := socketio.Encode(socketio.Packet{
			Type:      socketio.PacketConnectError,
			Namespace: s.namespace,
			Data:      map[string]any{"message": s.refusal},
		})
		_ = c.SendRaw(ctx, "4"+text)
		return
	}
	text, _, _ := socketio.Encode(socketio.Packet{
		Type:      socketio.PacketConnect,
		Namespace: s.namespace,
		Data:      map[string]any{"sid": c.SID},
	})
	if err := c.SendRaw(ctx, "4"+text); err != nil {
		return
	}

	select {
	case s.conns <- c:
	case <-r.Context().Done():
		return
	}
	<-c.closed
}

// Conn is one accepted client connection. ReadPacket must only be called
// from one goroutine at a time; the write methods are safe for concurrent use.
type Conn struct {
	ws        *websocket.Conn
	namespace string

	// Header is the upgrade request header.
	Header http.Header
	// Query holds the upgrade request query parameters.
	Query map[string][]string
	// SID is the namespace session id sent to the client.
	SID string
	// ConnectData is the payload of the client's CONNECT packet.
	ConnectData any

	pongs     atomic.Int64
	closeOnce sync.Once
	closed    chan struct{}
}

// Pongs returns how many heartbeat replies the client has sent.
func (c *Conn) Pongs() int64 { return c.pongs.Load() }

// SendRaw writes one text frame verbatim.
func (c *Conn) SendRaw(ctx context.Context, s string) error {
	return c.ws.Write(ctx, websocket.MessageText, []byte(s))
}

// Ping sends an Engine.IO ping.
func (c *Conn) Ping(ctx context.Context) error {
	return c.SendRaw(ctx, "2")
}

// Emit sends an event with args to the client. []byte arguments are sent as
// binary attachments.
func (c *Conn) Emit(ctx context.Context, event string, args ...any) error {
	data := append([]any{event}, args...)
	return c.send(ctx, socketio.Packet{Type: socketio.PacketEvent, Namespace: c.namespace, Data: data})
}

// Ack answers the client's event id with args.
func (c *Conn) Ack(ctx context.Context, id uint64, args ...any) error {
	if args == nil {
		args = []any{}
	}
	return c.send(ctx, socketio.Packet{Type: socketio.PacketAck, Namespace: c.namespace, ID: id, HasID: true, Data: args})
}

// Disconnect sends a namespace DISCONNECT to the client.
func (c *Conn) Disconnect(ctx context.Context) error {
	return c.send(ctx, socketio.Packet{Type: socketio.PacketDisconnect, Namespace: c.namespace})
}

func (c *Conn) send(ctx context.Context, p socketio.Packet) error {
	text, attachments, err := socketio.Encode(p)
	if err != nil {
		return err
	}
	if err := c.SendRaw(ctx, "4"+text); err != nil {
		return err
	}
	for _, a := range attachments {
		if err := c.ws.Write(ctx, websocket.MessageBinary, a); err != nil {
			return err
		}
	}
	return nil
}

// ReadPacket returns the next Socket.IO packet from the client with binary
// attachments restored. Heartbeat replies are counted and skipped.
func (c *Conn) ReadPacket(ctx context.Context) (socketio.Packet, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return socketio.Packet{}, err
		}
		if typ != websocket.MessageText || len(data) == 0 {
			continue
		}
		switch data[0] {
		case '3':
			c.pongs.Add(1)
			continue
		case '4':
		default:
			continue
		}
		p, err := socketio.Decode(string(data[1:]))
		if err != nil {
			return socketio.Packet{}, err
		}
		attachments := make([][]byte, 0, p.Attachments)
		for len(attachments) < p.Attachments {
			typ, b, err := c.ws.Read(ctx)
			if err != nil {
				return socketio.Packet{}, err
			}
			if typ != websocket.MessageBinary {
				return socketio.Packet{}, errors.New("socketiotest: expected binary attachment")
			}
			attachments = append(attachments, b)
		}
		if p.Data, err = socketio.Reconstruct(p.Data, attachments); err != nil {
			return socketio.Packet{}, err
		}
		return p, nil
	}
}

// ReadEvent reads packets until an event arrives and returns its name, args
// and ack id (valid when hasID is set).
func (c *Conn) ReadEvent(ctx context.Context) (name string, args []any, id uint64, hasID bool, err error) {
	for {
		p, err := c.ReadPacket(ctx)
		if err != nil {
			return "", nil, 0, false, err
		}
		if p.Type != socketio.PacketEvent && p.Type != socketio.PacketBinaryEvent {
			continue
		}
		list, _ := p.Data.([]any)
		if len(list) == 0 {
			return "", nil, 0, false, errors.New("socketiotest: event without name")
		}
		name, _ = list[0].(string)
		return name, list[1:], p.ID, p.HasID, nil
	}
}

// Close drops the connection without a protocol goodbye, as a crashed server
// would.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.ws.CloseNow()
		close(c.closed)
	})
}
