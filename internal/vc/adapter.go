// Package vc adapts the voice-conversion service's Socket.IO namespace to
// the streaming pipeline.
//
// An [Adapter] owns one namespace connection. Captured frames are handed to
// [Adapter.SendAudio], which never blocks: frames are queued and emitted by
// a writer goroutine guarded by a circuit breaker. Converted frames arriving
// on the response event are decoded and pushed into a [Sink] (the jitter
// buffer) together with their round-trip latency. Status messages are
// classified and logged.
package vc

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/resemble-ai/resemble-live-sts-socket/internal/observe"
	"github.com/resemble-ai/resemble-live-sts-socket/internal/resilience"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/jitter"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/socketio"
)

var (
	// ErrConnection wraps every failure to establish or keep the channel.
	ErrConnection = errors.New("vc: connection error")

	// ErrNotReady is returned by SendAudio before the adapter is running or
	// after it has been closed.
	ErrNotReady = errors.New("vc: channel not ready")

	// ErrQueueFull is returned by SendAudio when the outbound queue is full.
	ErrQueueFull = errors.New("vc: outbound queue full")

	// ErrServerError is the terminal error raised by an error-severity status
	// message when escalation is enabled.
	ErrServerError = errors.New("vc: server reported error")

	// ErrHandshakeTimeout is returned by Handshake when the server neither
	// acknowledged get_settings nor sent a status message in time.
	ErrHandshakeTimeout = errors.New("vc: settings handshake not acknowledged")

	// ErrSettingsRejected is returned by Handshake when the server answers
	// the settings with an error-severity status.
	ErrSettingsRejected = errors.New("vc: settings rejected")
)

const (
	defaultSendQueue        = 32
	defaultSendTimeout      = 2 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	statusBacklog           = 8
)

// Channel is the subset of [socketio.Client] the adapter uses.
type Channel interface {
	Emit(ctx context.Context, event string, args ...any) error
	EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error)
	OnDisconnect(fn func(error))
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Sink receives decoded converted blocks. *jitter.Buffer implements it.
type Sink interface {
	Push(jitter.Entry)
}

// Config describes how to reach the conversion service.
type Config struct {
	// URL is the server base URL (http, https, ws or wss).
	URL string

	// Namespace defaults to [DefaultNamespace].
	Namespace string

	// Auth is an optional "user:password" credential sent as HTTP Basic
	// authentication on the upgrade request.
	Auth string

	// HandshakeTimeout bounds the settings handshake and the dial.
	HandshakeTimeout time.Duration

	// FailOnServerError turns an error-severity status message into a
	// terminal failure.
	FailOnServerError bool

	// SendQueue is the outbound queue capacity in frames.
	SendQueue int
}

// Option configures an [Adapter].
type Option func(*Adapter)

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithBreaker replaces the send circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *Adapter) { a.breaker = cb }
}

// WithClock overrides the wall clock used for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) { a.now = now }
}

// WithSendTimeout bounds each outbound emit.
func WithSendTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.sendTimeout = d }
}

// Adapter is the duplex channel between the pipeline and the service.
// All methods are safe for concurrent use.
type Adapter struct {
	ch                Channel
	sink              Sink
	metrics           *observe.Metrics
	breaker           *resilience.CircuitBreaker
	now               func() time.Time
	sendTimeout       time.Duration
	handshakeTimeout  time.Duration
	failOnServerError bool
	queueSize         int

	out     chan audio.Frame
	running atomic.Bool
	live    atomic.Bool

	// statuses buffers status messages for Handshake; overflow is dropped.
	statuses chan StatusMessage

	// failing is set while consecutive writer sends fail.
	failing atomic.Bool

	mu       sync.Mutex
	errVal   error
	done     chan struct{}
	doneOnce sync.Once

	ctx        context.Context
	cancel     context.CancelFunc
	writerDone chan struct{}
	closeOnce  sync.Once
}

// Dial connects to the service and returns a running adapter that delivers
// converted frames to sink.
func Dial(ctx context.Context, cfg Config, sink Sink, opts ...Option) (*Adapter, error) {
	a := newAdapter(cfg, sink, opts...)

	ns := cfg.Namespace
	if ns == "" {
		ns = DefaultNamespace
	}
	sioOpts := []socketio.Option{
		socketio.WithNamespace(ns),
		socketio.WithDialTimeout(a.handshakeTimeout),
		socketio.WithHandler(EventResponse, a.handleResponse),
		socketio.WithHandler(EventMessage, a.handleMessage),
		socketio.WithDisconnectHandler(a.handleDisconnect),
	}
	if cfg.Auth != "" {
		sioOpts = append(sioOpts, socketio.WithHeader("Authorization", BasicAuth(cfg.Auth)))
	}

	client, err := socketio.Dial(ctx, cfg.URL, sioOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	slog.Info("vc: connected", "namespace", client.Namespace(), "sid", client.SID())
	a.start(client)
	return a, nil
}

// New wraps an already connected channel. The caller must route the
// channel's response and message events to [Adapter.HandleEvent].
func New(ch Channel, cfg Config, sink Sink, opts ...Option) *Adapter {
	a := newAdapter(cfg, sink, opts...)
	a.start(ch)
	return a
}

func newAdapter(cfg Config, sink Sink, opts ...Option) *Adapter {
	a := &Adapter{
		sink:              sink,
		now:               time.Now,
		sendTimeout:       defaultSendTimeout,
		handshakeTimeout:  cfg.HandshakeTimeout,
		failOnServerError: cfg.FailOnServerError,
		queueSize:         cfg.SendQueue,
		statuses:          make(chan StatusMessage, statusBacklog),
		done:              make(chan struct{}),
		writerDone:        make(chan struct{}),
	}
	if a.handshakeTimeout <= 0 {
		a.handshakeTimeout = defaultHandshakeTimeout
	}
	if a.queueSize <= 0 {
		a.queueSize = defaultSendQueue
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.breaker == nil {
		a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:          "vc-send",
			OnStateChange: a.recordBreakerState,
		})
	}
	a.out = make(chan audio.Frame, a.queueSize)
	a.ctx, a.cancel = context.WithCancel(context.Background())
	return a
}

func (a *Adapter) start(ch Channel) {
	a.ch = ch
	ch.OnDisconnect(a.handleDisconnect)
	go a.writeLoop()
	select {
	case <-a.done:
		// The channel dropped before the adapter was handed out.
	default:
		a.running.Store(true)
	}
}

// BasicAuth renders a "user:password" credential as an Authorization
// header value.
func BasicAuth(credential string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(credential))
}

// ─── Outbound ─────────────────────────────────────────────────────────────────

// Handshake sends the voice settings and asks the server to report its
// effective settings. It returns once the request is acknowledged or a
// success status arrives. An error status fails it with
// [ErrSettingsRejected]; warnings are logged and the wait goes on. It
// reports [ErrHandshakeTimeout] if nothing conclusive arrives within the
// handshake timeout. Streaming does not need to wait for it.
func (a *Adapter) Handshake(ctx context.Context, s VoiceSettings) error {
	if err := a.UpdateSettings(ctx, s); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, a.handshakeTimeout)
	defer cancel()

	slog.Info("vc: requesting effective settings")
	acked := make(chan []any, 1)
	go func() {
		res, err := a.ch.EmitWithAck(ctx, EventGetSettings)
		if err != nil {
			slog.Debug("vc: get_settings not acknowledged", "err", err)
			return
		}
		acked <- res
	}()

	for {
		select {
		case res := <-acked:
			a.live.Store(true)
			if len(res) > 0 {
				slog.Info("vc: effective settings", "settings", StatusMessage{Message: res[0]}.Text())
			}
			return nil
		case msg := <-a.statuses:
			switch msg.Severity() {
			case SeverityInfo:
				a.live.Store(true)
				return nil
			case SeverityError:
				return fmt.Errorf("%w: %d %s", ErrSettingsRejected, msg.Status, msg.Text())
			}
		case <-a.done:
			return a.terminalErr()
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w after %v", ErrHandshakeTimeout, a.handshakeTimeout)
			}
			return ctx.Err()
		}
	}
}

// UpdateSettings sends the complete settings snapshot. The server replaces
// its current settings wholesale.
func (a *Adapter) UpdateSettings(ctx context.Context, s VoiceSettings) error {
	if !a.running.Load() {
		return ErrNotReady
	}
	slog.Info("vc: changing settings",
		"voice", s.Voice,
		"vad", s.VAD,
		"gpu", s.GPU,
		"extra_convert_size", s.ExtraConvertSize,
		"pitch", s.Pitch,
	)
	if err := a.ch.Emit(ctx, EventUpdateSettings, s); err != nil {
		return fmt.Errorf("%w: send settings: %w", ErrConnection, err)
	}
	return nil
}

// SendAudio queues a frame for emission. It never blocks: it returns
// [ErrNotReady] when the adapter is not running, [resilience.ErrCircuitOpen]
// while recent sends keep failing, and [ErrQueueFull] when the writer is
// behind. A rejected frame is simply lost.
func (a *Adapter) SendAudio(f audio.Frame) error {
	if !a.running.Load() {
		a.metrics.RecordFrameDropped(a.ctx, observe.DropNotReady)
		return ErrNotReady
	}
	if err := a.breaker.Allow(); err != nil {
		a.metrics.RecordFrameDropped(a.ctx, observe.DropCircuitOpen)
		return err
	}
	select {
	case a.out <- f:
		return nil
	default:
		a.metrics.RecordFrameDropped(a.ctx, observe.DropQueueFull)
		return ErrQueueFull
	}
}

// writeLoop drains the outbound queue. It exits when the adapter is closed;
// frames still queued at that point are abandoned.
func (a *Adapter) writeLoop() {
	defer close(a.writerDone)
	for {
		select {
		case <-a.ctx.Done():
			return
		case f := <-a.out:
			a.emitFrame(f)
		}
	}
}

func (a *Adapter) emitFrame(f audio.Frame) {
	err := a.breaker.Execute(func() error {
		ctx, cancel := context.WithTimeout(a.ctx, a.sendTimeout)
		defer cancel()
		return a.ch.Emit(ctx, EventRequestConversion, framePayload(f))
	})
	if err != nil {
		if a.ctx.Err() != nil {
			return
		}
		a.metrics.RecordFrameDropped(a.ctx, observe.DropSendFailed)
		if !a.failing.Swap(true) {
			slog.Debug("vc: sending audio failed, frame dropped", "err", err)
		}
		return
	}
	a.failing.Store(false)
	a.metrics.RecordFrameSent(a.ctx)
	slog.Debug("vc: sent audio", "timestamp", f.Timestamp, "bytes", len(f.Data))
}

func (a *Adapter) recordBreakerState(_, to resilience.State) {
	a.metrics.BreakerState.Record(context.Background(), int64(to))
}

// ─── Inbound ──────────────────────────────────────────────────────────────────

// HandleEvent routes an inbound event to its handler. It is registered with
// the transport by [Dial]; adapters built with [New] call it directly.
func (a *Adapter) HandleEvent(event string, args []any) {
	switch event {
	case EventResponse:
		a.handleResponse(args)
	case EventMessage:
		a.handleMessage(args)
	default:
		slog.Debug("vc: ignoring event", "event", event)
	}
}

// handleResponse runs on the transport read goroutine.
func (a *Adapter) handleResponse(args []any) {
	f, err := parseFrame(args)
	if err != nil {
		a.metrics.RecordMalformedFrame(a.ctx)
		slog.Warn("vc: dropping malformed response", "err", err)
		return
	}
	samples, err := audio.Decode(f.Data)
	if err != nil {
		a.metrics.RecordMalformedFrame(a.ctx)
		slog.Warn("vc: dropping malformed response", "timestamp", f.Timestamp, "err", err)
		return
	}
	latency := f.Age(a.now())
	a.sink.Push(jitter.Entry{Audio: samples, Latency: latency})
	a.metrics.RecordFrameReceived(a.ctx, latency.Seconds())
	slog.Debug("vc: received converted audio", "samples", len(samples), "latency", latency)
}

func (a *Adapter) handleMessage(args []any) {
	msg, err := parseStatusMessage(args)
	if err != nil {
		slog.Warn("vc: dropping malformed status message", "err", err)
		return
	}
	sev := msg.Severity()
	a.metrics.RecordServerMessage(a.ctx, sev.String())
	switch sev {
	case SeverityInfo:
		slog.Info("vc: server message", "status", msg.Status, "message", msg.Text())
	case SeverityWarning:
		slog.Warn("vc: server message", "status", msg.Status, "message", msg.Text())
	default:
		slog.Error("vc: server message", "status", msg.Status, "message", msg.Text())
	}
	select {
	case a.statuses <- msg:
	default:
	}

	if sev == SeverityError && a.failOnServerError {
		a.fail(fmt.Errorf("%w: %d %s", ErrServerError, msg.Status, msg.Text()))
	}
}

func (a *Adapter) handleDisconnect(err error) {
	if err == nil {
		slog.Info("vc: disconnected")
		return
	}
	slog.Error("vc: connection lost", "err", err)
	a.fail(fmt.Errorf("%w: %w", ErrConnection, err))
}

// ─── Lifecycle ────────────────────────────────────────────────────────────────

// Live reports whether the settings handshake was acknowledged.
func (a *Adapter) Live() bool { return a.live.Load() }

// Ready reports whether the adapter accepts frames.
func (a *Adapter) Ready() bool { return a.running.Load() }

// Done is closed when the adapter fails terminally.
func (a *Adapter) Done() <-chan struct{} { return a.done }

// Err returns the terminal error, or nil.
func (a *Adapter) Err() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.errVal
}

func (a *Adapter) terminalErr() error {
	if err := a.Err(); err != nil {
		return err
	}
	return ErrNotReady
}

func (a *Adapter) fail(err error) {
	a.doneOnce.Do(func() {
		a.mu.Lock()
		a.errVal = err
		a.mu.Unlock()
		a.running.Store(false)
		close(a.done)
	})
}

// Close stops the writer, abandons queued frames and disconnects. Idempotent.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		a.running.Store(false)
		a.cancel()
		<-a.writerDone
		if pending := len(a.out); pending > 0 {
			slog.Debug("vc: abandoning queued frames", "frames", pending)
		}
		if cerr := a.ch.Close(); cerr != nil {
			err = fmt.Errorf("vc: close channel: %w", cerr)
		}
	})
	return err
}
