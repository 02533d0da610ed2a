package vc

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/resemble-ai/resemble-live-sts-socket/internal/observe"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/jitter"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/socketio/socketiotest"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var testSettings = VoiceSettings{
	Voice:                "Mike",
	CrossFadeOffsetRate:  0.1,
	CrossFadeEndRate:     0.9,
	CrossFadeOverlapSize: 2048,
	ExtraConvertSize:     8192,
	GPU:                  0,
	Pitch:                0,
	VAD:                  2,
}

type emitted struct {
	event string
	args  []any
}

// fakeChannel is an in-memory Channel. Emit can be made to block to
// simulate a stalled network.
type fakeChannel struct {
	mu           sync.Mutex
	emitted      []emitted
	emitErr      error
	block        chan struct{}
	emitting     chan struct{}
	ackResult    []any
	ackBlock     bool
	onDisconnect func(error)
	dropped      error // reported to OnDisconnect immediately when set
	closed       int
	done         chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{done: make(chan struct{}), emitting: make(chan struct{}, 16)}
}

func (f *fakeChannel) Emit(ctx context.Context, event string, args ...any) error {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		f.emitting <- struct{}{}
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.emitted = append(f.emitted, emitted{event, args})
	return f.emitErr
}

func (f *fakeChannel) EmitWithAck(ctx context.Context, event string, args ...any) ([]any, error) {
	f.mu.Lock()
	f.emitted = append(f.emitted, emitted{event, args})
	block := f.ackBlock
	res := f.ackResult
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return res, nil
}

func (f *fakeChannel) OnDisconnect(fn func(error)) {
	f.mu.Lock()
	f.onDisconnect = fn
	dropped := f.dropped
	f.mu.Unlock()
	if dropped != nil {
		fn(dropped)
	}
}

func (f *fakeChannel) Done() <-chan struct{} { return f.done }
func (f *fakeChannel) Err() error            { return nil }

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeChannel) events() []emitted {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]emitted(nil), f.emitted...)
}

// recordingSink collects pushed entries.
type recordingSink struct {
	mu      sync.Mutex
	entries []jitter.Entry
}

func (s *recordingSink) Push(e jitter.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func (s *recordingSink) all() []jitter.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]jitter.Entry(nil), s.entries...)
}

func newTestAdapter(t *testing.T, ch *fakeChannel, cfg Config, opts ...Option) (*Adapter, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	a := New(ch, cfg, sink, opts...)
	t.Cleanup(func() { _ = a.Close() })
	return a, sink
}

// ── Wire tests against an in-process Socket.IO server ─────────────────────────

func TestDial_HandshakeSendsSettingsUnmodified(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t, socketiotest.WithNamespace(DefaultNamespace))
	ctx := testCtx(t)

	a, err := Dial(ctx, Config{URL: srv.URL, Auth: "user:pass"}, jitter.New(), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	conn, err := srv.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("user:pass"))
	if got := conn.Header.Get("Authorization"); got != want {
		t.Errorf("Authorization = %q, want %q", got, want)
	}

	hsErr := make(chan error, 1)
	go func() { hsErr <- a.Handshake(ctx, testSettings) }()

	name, args, _, _, err := conn.ReadEvent(ctx)
	if err != nil || name != EventUpdateSettings {
		t.Fatalf("first event = %q, err %v", name, err)
	}
	got := args[0].(map[string]any)
	checks := map[string]any{
		"voice":                "Mike",
		"extraConvertSize":     float64(8192),
		"vad":                  float64(2),
		"gpu":                  float64(0),
		"pitch":                float64(0),
		"crossFadeOffsetRate":  0.1,
		"crossFadeEndRate":     0.9,
		"crossFadeOverlapSize": float64(2048),
	}
	for k, v := range checks {
		if got[k] != v {
			t.Errorf("settings[%q] = %v, want %v", k, got[k], v)
		}
	}
	if len(got) != len(checks) {
		t.Errorf("settings has %d fields, want %d: %v", len(got), len(checks), got)
	}

	name, _, id, hasID, err := conn.ReadEvent(ctx)
	if err != nil || name != EventGetSettings || !hasID {
		t.Fatalf("second event = %q hasID=%v err=%v", name, hasID, err)
	}
	if err := conn.Ack(ctx, id, map[string]any{"voice": "Mike"}); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	if err := <-hsErr; err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if !a.Live() {
		t.Error("Live = false after acknowledged handshake")
	}
}

func TestDial_StreamsAudioBothWays(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t, socketiotest.WithNamespace(DefaultNamespace))
	ctx := testCtx(t)
	buf := jitter.New()

	a, err := Dial(ctx, Config{URL: srv.URL}, buf, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	conn, err := srv.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	frame := audio.Frame{Timestamp: time.Now().UnixMilli(), Data: audio.Int16sToBytes([]int16{1, -2, 3})}
	if err := a.SendAudio(frame); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	name, args, _, _, err := conn.ReadEvent(ctx)
	if err != nil || name != EventRequestConversion {
		t.Fatalf("event = %q, err %v", name, err)
	}
	payload := args[0].(map[string]any)
	if payload["timestamp"] != float64(frame.Timestamp) {
		t.Errorf("timestamp = %v, want %d", payload["timestamp"], frame.Timestamp)
	}

	// Echo it back as the converted block.
	if err := conn.Emit(ctx, EventResponse, payload); err != nil {
		t.Fatalf("server Emit: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for buf.Len() == 0 {
		select {
		case <-deadline:
			t.Fatal("converted block never reached the jitter buffer")
		case <-time.After(5 * time.Millisecond):
		}
	}
	e, _ := buf.TryPop()
	if len(e.Audio) != 3 || e.Audio[1] != -2 {
		t.Errorf("audio = %v", e.Audio)
	}
	if e.Latency < 0 {
		t.Errorf("latency = %v, want >= 0", e.Latency)
	}
}

func TestDial_ConnectionError(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t, socketiotest.WithRefusal("bad credentials"), socketiotest.WithNamespace(DefaultNamespace))
	_, err := Dial(testCtx(t), Config{URL: srv.URL}, jitter.New(), WithMetrics(testMetrics(t)))
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("err = %v, want ErrConnection", err)
	}
}

// ── Adapter behaviour against a fake channel ──────────────────────────────────

func TestClassifyStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code int
		want Severity
	}{
		{200, SeverityInfo},
		{201, SeverityInfo},
		{299, SeverityInfo},
		{300, SeverityWarning},
		{350, SeverityWarning},
		{399, SeverityWarning},
		{400, SeverityError},
		{404, SeverityError},
		{500, SeverityError},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestHandleResponse_PushesEntryWithLatency(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1_700_000_000_120)
	a, sink := newTestAdapter(t, newFakeChannel(), Config{}, WithClock(func() time.Time { return now }))

	a.HandleEvent(EventResponse, []any{map[string]any{
		"timestamp":  float64(1_700_000_000_000),
		"audio_data": audio.Int16sToBytes([]int16{10, 20}),
	}})

	got := sink.all()
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if got[0].Latency != 120*time.Millisecond {
		t.Errorf("latency = %v, want 120ms", got[0].Latency)
	}
	if got[0].Audio[0] != 10 || got[0].Audio[1] != 20 {
		t.Errorf("audio = %v", got[0].Audio)
	}
}

func TestHandleResponse_MalformedDropped(t *testing.T) {
	t.Parallel()

	a, sink := newTestAdapter(t, newFakeChannel(), Config{})
	payloads := [][]any{
		nil,
		{"not an object"},
		{map[string]any{"timestamp": float64(1), "audio_data": []byte{1, 2, 3}}},
		{map[string]any{"timestamp": float64(1), "audio_data": "AAEC"}},
		{map[string]any{"audio_data": []byte{1, 2}}},
	}
	for _, p := range payloads {
		a.HandleEvent(EventResponse, p)
	}
	if n := len(sink.all()); n != 0 {
		t.Errorf("pushed %d malformed entries", n)
	}
}

func TestParseFrame_WrapsMalformed(t *testing.T) {
	t.Parallel()

	_, err := parseFrame([]any{map[string]any{"timestamp": "x"}})
	if !errors.Is(err, audio.ErrMalformedFrame) {
		t.Fatalf("err = %v, want ErrMalformedFrame", err)
	}
}

func TestSendAudio_QueueFull(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.block = make(chan struct{})
	a, _ := newTestAdapter(t, ch, Config{SendQueue: 1})

	frame := audio.Frame{Timestamp: 1, Data: []byte{0, 0}}
	if err := a.SendAudio(frame); err != nil {
		t.Fatalf("first SendAudio: %v", err)
	}
	<-ch.emitting // writer is now stuck in Emit
	if err := a.SendAudio(frame); err != nil {
		t.Fatalf("second SendAudio: %v", err)
	}
	if err := a.SendAudio(frame); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third SendAudio = %v, want ErrQueueFull", err)
	}
	close(ch.block)
}

func TestSendAudio_NotReadyAfterClose(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	a, _ := newTestAdapter(t, ch, Config{})
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ch.closed != 1 {
		t.Errorf("channel closed %d times, want 1", ch.closed)
	}
	if err := a.SendAudio(audio.Frame{}); !errors.Is(err, ErrNotReady) {
		t.Errorf("SendAudio after Close = %v, want ErrNotReady", err)
	}
}

func TestSendAudio_EmitsRequestConversion(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	a, _ := newTestAdapter(t, ch, Config{})
	if err := a.SendAudio(audio.Frame{Timestamp: 99, Data: []byte{1, 0}}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	deadline := time.After(3 * time.Second)
	for len(ch.events()) == 0 {
		select {
		case <-deadline:
			t.Fatal("frame never emitted")
		case <-time.After(5 * time.Millisecond):
		}
	}
	ev := ch.events()[0]
	if ev.event != EventRequestConversion {
		t.Fatalf("event = %q", ev.event)
	}
	p := ev.args[0].(map[string]any)
	if p["timestamp"] != int64(99) {
		t.Errorf("timestamp = %v", p["timestamp"])
	}
}

func TestHandleMessage_Escalation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		escalate bool
		status   float64
		wantDone bool
	}{
		{"error without escalation", false, 500, false},
		{"error with escalation", true, 500, true},
		{"warning with escalation", true, 350, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a, _ := newTestAdapter(t, newFakeChannel(), Config{FailOnServerError: tt.escalate})
			a.HandleEvent(EventMessage, []any{map[string]any{"status": tt.status, "message": "model crashed"}})

			select {
			case <-a.Done():
				if !tt.wantDone {
					t.Fatal("adapter failed on an observational message")
				}
				if !errors.Is(a.Err(), ErrServerError) {
					t.Errorf("Err = %v, want ErrServerError", a.Err())
				}
			default:
				if tt.wantDone {
					t.Fatal("adapter did not fail on error status")
				}
			}
		})
	}
}

func TestDisconnect_IsTerminal(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	a, _ := newTestAdapter(t, ch, Config{})
	ch.onDisconnect(errors.New("read: EOF"))

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after disconnect")
	}
	if !errors.Is(a.Err(), ErrConnection) {
		t.Errorf("Err = %v, want ErrConnection", a.Err())
	}
	if err := a.SendAudio(audio.Frame{}); !errors.Is(err, ErrNotReady) {
		t.Errorf("SendAudio after disconnect = %v", err)
	}
}

func TestHandshake_CompletesOnStatusMessage(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.ackBlock = true
	a, _ := newTestAdapter(t, ch, Config{HandshakeTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- a.Handshake(testCtx(t), testSettings) }()

	// Wait for get_settings to go out, then answer with a status message.
	deadline := time.After(3 * time.Second)
	for len(ch.events()) < 2 {
		select {
		case <-deadline:
			t.Fatal("handshake events not sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
	a.HandleEvent(EventMessage, []any{map[string]any{"status": float64(200), "message": "settings updated"}})

	if err := <-errCh; err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if !a.Live() {
		t.Error("Live = false")
	}
	evs := ch.events()
	if evs[0].event != EventUpdateSettings || evs[1].event != EventGetSettings {
		t.Errorf("events = %q, %q", evs[0].event, evs[1].event)
	}
	if s, ok := evs[0].args[0].(VoiceSettings); !ok || s != testSettings {
		t.Errorf("settings payload = %#v", evs[0].args[0])
	}
}

// sendHandshakeStatus starts a handshake that only a status message can
// settle, delivers msgs once get_settings is out, and returns the result.
func sendHandshakeStatus(t *testing.T, msgs ...map[string]any) (*Adapter, error) {
	t.Helper()
	ch := newFakeChannel()
	ch.ackBlock = true
	a, _ := newTestAdapter(t, ch, Config{HandshakeTimeout: 5 * time.Second})

	errCh := make(chan error, 1)
	go func() { errCh <- a.Handshake(testCtx(t), testSettings) }()

	deadline := time.After(3 * time.Second)
	for len(ch.events()) < 2 {
		select {
		case <-deadline:
			t.Fatal("handshake events not sent")
		case <-time.After(5 * time.Millisecond):
		}
	}
	for _, m := range msgs {
		a.HandleEvent(EventMessage, []any{m})
		time.Sleep(10 * time.Millisecond)
	}
	select {
	case err := <-errCh:
		return a, err
	case <-time.After(3 * time.Second):
		t.Fatal("handshake did not settle")
		return nil, nil
	}
}

func TestHandshake_ErrorStatusRejectsSettings(t *testing.T) {
	t.Parallel()

	a, err := sendHandshakeStatus(t, map[string]any{"status": float64(422), "message": "invalid extraConvertSize"})
	if !errors.Is(err, ErrSettingsRejected) {
		t.Fatalf("err = %v, want ErrSettingsRejected", err)
	}
	if !strings.Contains(err.Error(), "invalid extraConvertSize") {
		t.Errorf("err = %v, want the server message", err)
	}
	if a.Live() {
		t.Error("Live = true after rejected settings")
	}
	if !a.Ready() {
		t.Error("Ready = false; a rejected handshake must not end the session")
	}
}

func TestHandshake_WarningKeepsWaiting(t *testing.T) {
	t.Parallel()

	a, err := sendHandshakeStatus(t,
		map[string]any{"status": float64(302), "message": "model loading"},
		map[string]any{"status": float64(200), "message": "settings updated"},
	)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if !a.Live() {
		t.Error("Live = false after success status")
	}
}

func TestNew_ChannelDroppedBeforeStart(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.dropped = errors.New("read: EOF")
	a, _ := newTestAdapter(t, ch, Config{})

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed for a channel that dropped before start")
	}
	if a.Ready() {
		t.Error("Ready = true on a dropped channel")
	}
	if !errors.Is(a.Err(), ErrConnection) {
		t.Errorf("Err = %v, want ErrConnection", a.Err())
	}
	if err := a.SendAudio(audio.Frame{}); !errors.Is(err, ErrNotReady) {
		t.Errorf("SendAudio = %v, want ErrNotReady", err)
	}
}

func TestDial_ServerDropEndsAdapter(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t, socketiotest.WithNamespace(DefaultNamespace))
	ctx := testCtx(t)

	a, err := Dial(ctx, Config{URL: srv.URL}, jitter.New(), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = a.Close() })
	conn, err := srv.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	conn.Close()

	select {
	case <-a.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("adapter did not notice the dropped connection")
	}
	if !errors.Is(a.Err(), ErrConnection) {
		t.Errorf("Err = %v, want ErrConnection", a.Err())
	}
}

func TestHandshake_Timeout(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	ch.ackBlock = true
	a, _ := newTestAdapter(t, ch, Config{HandshakeTimeout: 50 * time.Millisecond})

	if err := a.Handshake(testCtx(t), testSettings); !errors.Is(err, ErrHandshakeTimeout) {
		t.Fatalf("err = %v, want ErrHandshakeTimeout", err)
	}
	if a.Live() {
		t.Error("Live = true after timeout")
	}
}

func TestStatusMessage_Text(t *testing.T) {
	t.Parallel()

	if got := (StatusMessage{Message: "ok"}).Text(); got != "ok" {
		t.Errorf("Text = %q", got)
	}
	got := StatusMessage{Message: map[string]any{"voice": "Mike", "vad": float64(1)}}.Text()
	if got != `{"vad":1,"voice":"Mike"}` {
		t.Errorf("structured Text = %q", got)
	}
}

func TestVoiceSettings_Validate(t *testing.T) {
	t.Parallel()

	if err := testSettings.Validate(); err != nil {
		t.Fatalf("valid settings rejected: %v", err)
	}
	bad := testSettings
	bad.ExtraConvertSize = 1000
	bad.VAD = 4
	bad.CrossFadeEndRate = 1.5
	if err := bad.Validate(); err == nil {
		t.Fatal("invalid settings accepted")
	}
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	if got := BasicAuth("user:pass"); got != "Basic dXNlcjpwYXNz" {
		t.Errorf("BasicAuth = %q", got)
	}
}
