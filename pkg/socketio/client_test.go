package socketio_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/resemble-ai/resemble-live-sts-socket/pkg/socketio"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/socketio/socketiotest"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// dial connects a client to srv and returns both ends.
func dial(t *testing.T, srv *socketiotest.Server, opts ...socketio.Option) (*socketio.Client, *socketiotest.Conn) {
	t.Helper()
	ctx := testCtx(t)
	c, err := socketio.Dial(ctx, srv.URL, opts...)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	conn, err := srv.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	return c, conn
}

// ── Tests ─────────────────────────────────────────────────────────────────────

func TestDial_JoinsNamespace(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t, socketiotest.WithNamespace("/synthesize"))
	c, conn := dial(t, srv,
		socketio.WithNamespace("synthesize"),
		socketio.WithHeader("Authorization", "Basic dXNlcjpwYXNz"),
	)

	if c.Namespace() != "/synthesize" {
		t.Errorf("Namespace = %q", c.Namespace())
	}
	if c.SID() != conn.SID {
		t.Errorf("SID = %q, want %q", c.SID(), conn.SID)
	}
	if got := conn.Header.Get("Authorization"); got != "Basic dXNlcjpwYXNz" {
		t.Errorf("Authorization header = %q", got)
	}
}

func TestDial_Refused(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t, socketiotest.WithRefusal("not authorized"))
	_, err := socketio.Dial(testCtx(t), srv.URL)
	if !errors.Is(err, socketio.ErrConnectRefused) {
		t.Fatalf("err = %v, want ErrConnectRefused", err)
	}
}

func TestDial_BadScheme(t *testing.T) {
	t.Parallel()

	if _, err := socketio.Dial(testCtx(t), "ftp://example.com"); err == nil {
		t.Fatal("expected error for ftp scheme")
	}
}

func TestEmit_BinaryAttachment(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t)
	c, conn := dial(t, srv)
	ctx := testCtx(t)

	pcm := []byte{0x01, 0x00, 0xFF, 0x7F}
	if err := c.Emit(ctx, "request_conversion", map[string]any{"timestamp": int64(42), "audio_data": pcm}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	name, args, _, hasID, err := conn.ReadEvent(ctx)
	if err != nil {
		t.Fatalf("ReadEvent: %v", err)
	}
	if name != "request_conversion" || hasID {
		t.Fatalf("event = %q (hasID=%v)", name, hasID)
	}
	m := args[0].(map[string]any)
	if m["timestamp"] != float64(42) {
		t.Errorf("timestamp = %v", m["timestamp"])
	}
	if b, ok := m["audio_data"].([]byte); !ok || !bytes.Equal(b, pcm) {
		t.Errorf("audio_data = %#v", m["audio_data"])
	}
}

func TestOn_ReceivesBinaryEvent(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t)
	got := make(chan []any, 1)
	_, conn := dial(t, srv, socketio.WithHandler("response", func(args []any) { got <- args }))
	ctx := testCtx(t)

	if err := conn.Emit(ctx, "response", map[string]any{"timestamp": 7, "audio_data": []byte{5, 6}}); err != nil {
		t.Fatalf("server Emit: %v", err)
	}

	select {
	case args := <-got:
		m := args[0].(map[string]any)
		if b, _ := m["audio_data"].([]byte); !bytes.Equal(b, []byte{5, 6}) {
			t.Errorf("audio_data = %#v", m["audio_data"])
		}
	case <-ctx.Done():
		t.Fatal("handler not called")
	}
}

func TestEmitWithAck(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t)
	c, conn := dial(t, srv)
	ctx := testCtx(t)

	go func() {
		name, _, id, hasID, err := conn.ReadEvent(ctx)
		if err != nil || name != "get_settings" || !hasID {
			t.Errorf("server read: %q hasID=%v err=%v", name, hasID, err)
			return
		}
		_ = conn.Ack(ctx, id, map[string]any{"voice": "Mike"})
	}()

	res, err := c.EmitWithAck(ctx, "get_settings")
	if err != nil {
		t.Fatalf("EmitWithAck: %v", err)
	}
	if len(res) != 1 || res[0].(map[string]any)["voice"] != "Mike" {
		t.Errorf("ack = %v", res)
	}
}

func TestEmitWithAck_ContextTimeout(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t)
	c, _ := dial(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.EmitWithAck(ctx, "get_settings"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want DeadlineExceeded", err)
	}
}

func TestHeartbeat_AnswersPing(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t)
	c, conn := dial(t, srv)
	ctx := testCtx(t)

	if err := conn.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	// Pongs are only counted while the server reads, and the pong is written
	// from the client's read loop, so it may trail any event sent meanwhile.
	deadline := time.Now().Add(3 * time.Second)
	for conn.Pongs() < 1 && time.Now().Before(deadline) {
		if err := c.Emit(ctx, "marker"); err != nil {
			t.Fatalf("Emit: %v", err)
		}
		if _, _, _, _, err := conn.ReadEvent(ctx); err != nil {
			t.Fatalf("ReadEvent: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if conn.Pongs() != 1 {
		t.Errorf("Pongs = %d, want 1", conn.Pongs())
	}
}

func TestHeartbeat_Timeout(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t, socketiotest.WithPing(50*time.Millisecond, 50*time.Millisecond))
	c, _ := dial(t, srv)

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not detect missing heartbeat")
	}
	if !errors.Is(c.Err(), socketio.ErrPingTimeout) {
		t.Errorf("Err = %v, want ErrPingTimeout", c.Err())
	}
}

func TestServerDisconnect(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t, socketiotest.WithNamespace("/synthesize"))
	disconnected := make(chan error, 1)
	c, conn := dial(t, srv, socketio.WithNamespace("/synthesize"))
	c.OnDisconnect(func(err error) { disconnected <- err })

	if err := conn.Disconnect(testCtx(t)); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case err := <-disconnected:
		if !errors.Is(err, socketio.ErrServerDisconnect) {
			t.Errorf("OnDisconnect err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	if err := c.Emit(testCtx(t), "late"); !errors.Is(err, socketio.ErrClosed) {
		t.Errorf("Emit after disconnect = %v, want ErrClosed", err)
	}
}

func TestDisconnectHandler_RegisteredBeforeReadLoop(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t)
	disconnected := make(chan error, 1)
	_, conn := dial(t, srv, socketio.WithDisconnectHandler(func(err error) { disconnected <- err }))
	conn.Close()

	select {
	case err := <-disconnected:
		if err == nil {
			t.Error("disconnect handler got nil error for a dropped connection")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("disconnect handler not called")
	}
}

func TestOnDisconnect_AfterSessionEnded(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t)
	c, conn := dial(t, srv)
	conn.Close()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not notice dropped connection")
	}

	var got error
	called := false
	c.OnDisconnect(func(err error) { called, got = true, err })
	if !called {
		t.Fatal("OnDisconnect on an ended session did not call fn")
	}
	if got == nil || got.Error() != c.Err().Error() {
		t.Errorf("fn err = %v, want %v", got, c.Err())
	}
}

func TestConnectionDropped(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t)
	c, conn := dial(t, srv)
	conn.Close()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client did not notice dropped connection")
	}
	if c.Err() == nil {
		t.Error("Err = nil after connection loss")
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := socketiotest.NewServer(t)
	c, _ := dial(t, srv)
	var called int
	c.OnDisconnect(func(err error) {
		called++
		if err != nil {
			t.Errorf("OnDisconnect err = %v, want nil on Close", err)
		}
	})

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if called != 1 {
		t.Errorf("OnDisconnect called %d times, want 1", called)
	}
	if c.Err() != nil {
		t.Errorf("Err = %v, want nil", c.Err())
	}
	if err := c.Emit(testCtx(t), "x"); !errors.Is(err, socketio.ErrClosed) {
		t.Errorf("Emit after Close = %v", err)
	}
}
