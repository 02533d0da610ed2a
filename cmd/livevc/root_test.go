package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"

	"github.com/resemble-ai/resemble-live-sts-socket/internal/config"
	"github.com/resemble-ai/resemble-live-sts-socket/internal/vc"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio/mock"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/socketio/socketiotest"
)

var testDevices = []audio.DeviceInfo{
	{Index: 0, Name: "Mic", HostAPI: "ALSA", MaxInputChannels: 1},
	{Index: 1, Name: "Speakers", HostAPI: "ALSA", MaxOutputChannels: 2},
	{Index: 2, Name: "Headset", HostAPI: "ALSA", MaxInputChannels: 1, MaxOutputChannels: 2},
}

func mockDeps(h *mock.Host) deps {
	return deps{openHost: func() (audio.Host, func(), error) { return h, func() {}, nil }}
}

// parseConfig parses args and assembles the config the way run does.
func parseConfig(t *testing.T, args ...string) (*config.Config, error) {
	t.Helper()
	opts := &options{}
	f := pflag.NewFlagSet("livevc", pflag.ContinueOnError)
	bindFlags(f, opts)
	if err := f.Parse(append([]string{"--env-file="}, args...)); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	return loadConfig(f, opts)
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadConfig_Precedence(t *testing.T) {
	path := writeFile(t, "livevc.yaml", `
server:
  url: https://from-file.example
  log_level: warn
voice:
  voice: Anna
  vad: 2
  pitch: 1.5
`)
	t.Setenv(config.EnvURL, "https://from-env.example")

	cfg, err := parseConfig(t, "--config", path, "--voice", "Zed", "--debug")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.URL != "https://from-env.example" {
		t.Errorf("URL = %q, want env value", cfg.Server.URL)
	}
	if cfg.Voice.Voice != "Zed" {
		t.Errorf("Voice = %q, want flag value", cfg.Voice.Voice)
	}
	if cfg.Voice.VAD != 2 || cfg.Voice.Pitch != 1.5 {
		t.Errorf("VAD, Pitch = %d, %v; want file values 2, 1.5", cfg.Voice.VAD, cfg.Voice.Pitch)
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
	if cfg.Voice.ExtraConvertSize != 4096 {
		t.Errorf("ExtraConvertSize = %d, want default 4096", cfg.Voice.ExtraConvertSize)
	}
}

func TestLoadConfig_FlagsOverDefaults(t *testing.T) {
	cfg, err := parseConfig(t, "--url", "wss://flag.example", "--num-chunks", "4", "-i", "2", "-o", "1")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Server.URL != "wss://flag.example" {
		t.Errorf("URL = %q", cfg.Server.URL)
	}
	if got := cfg.ChunkSize(); got != 4*config.ChunkSizeMultiplier {
		t.Errorf("ChunkSize = %d, want %d", got, 4*config.ChunkSizeMultiplier)
	}
	if cfg.Client.InputDevice == nil || *cfg.Client.InputDevice != 2 {
		t.Errorf("InputDevice = %v, want 2", cfg.Client.InputDevice)
	}
	if cfg.Client.OutputDevice == nil || *cfg.Client.OutputDevice != 1 {
		t.Errorf("OutputDevice = %v, want 1", cfg.Client.OutputDevice)
	}
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("LogLevel = %q, want info", cfg.Server.LogLevel)
	}
}

func TestLoadConfig_Rejects(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{name: "input device alone", args: []string{"--url", "https://x.example", "-i", "1"}, want: "must be given together"},
		{name: "negative chunks", args: []string{"--url", "https://x.example", "--num-chunks=-1"}, want: "num_chunks"},
		{name: "bad auth", args: []string{"--url", "https://x.example", "--auth", "nocolon"}, want: "username:password"},
		{name: "odd convert size", args: []string{"--url", "https://x.example", "--extra-convert-size", "1000"}, want: "voice:"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseConfig(t, tt.args...)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestChooseDevices(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	in, outIdx, err := chooseDevices(strings.NewReader("x\n1\n2\n1\n"), &out, testDevices)
	if err != nil {
		t.Fatalf("chooseDevices: %v", err)
	}
	if in != 2 || outIdx != 1 {
		t.Errorf("chosen = (%d, %d), want (2, 1)", in, outIdx)
	}
	text := out.String()
	for _, want := range []string{"Invalid index", "not an input device", "Input devices:", "Output devices:", "2: Headset (ALSA)"} {
		if !strings.Contains(text, want) {
			t.Errorf("prompt output missing %q:\n%s", want, text)
		}
	}
}

func TestChooseDevices_EOF(t *testing.T) {
	t.Parallel()

	_, _, err := chooseDevices(strings.NewReader("0\n"), &bytes.Buffer{}, testDevices)
	if err == nil {
		t.Fatal("expected error when input ends before an output device is chosen")
	}
}

func TestChooseDevices_NoCandidates(t *testing.T) {
	t.Parallel()

	onlyOutputs := testDevices[1:2]
	_, _, err := chooseDevices(strings.NewReader("1\n"), &bytes.Buffer{}, onlyOutputs)
	if !errors.Is(err, audio.ErrDevice) {
		t.Errorf("err = %v, want ErrDevice", err)
	}
}

func TestResolveDevices(t *testing.T) {
	t.Parallel()

	host := &mock.Host{DevicesResult: testDevices}
	idx := func(i int) *int { return &i }

	cfg := config.Default()
	cfg.Client.InputDevice, cfg.Client.OutputDevice = idx(0), idx(2)
	in, out, err := resolveDevices(strings.NewReader(""), &bytes.Buffer{}, host, cfg)
	if err != nil {
		t.Fatalf("resolveDevices: %v", err)
	}
	if in != 0 || out != 2 {
		t.Errorf("resolved = (%d, %d), want (0, 2)", in, out)
	}

	cfg.Client.OutputDevice = idx(0)
	if _, _, err := resolveDevices(strings.NewReader(""), &bytes.Buffer{}, host, cfg); !errors.Is(err, audio.ErrDevice) {
		t.Errorf("input-only device as output: err = %v, want ErrDevice", err)
	}

	cfg.Client.InputDevice, cfg.Client.OutputDevice = nil, nil
	in, out, err = resolveDevices(strings.NewReader("2\n2\n"), &bytes.Buffer{}, host, cfg)
	if err != nil {
		t.Fatalf("resolveDevices (prompt): %v", err)
	}
	if in != 2 || out != 2 {
		t.Errorf("prompted = (%d, %d), want (2, 2)", in, out)
	}
}

func TestDevicesCommand(t *testing.T) {
	t.Parallel()

	host := &mock.Host{DevicesResult: testDevices}
	cmd := newRootCmd(mockDeps(host))
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"devices"})
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("devices: %v", err)
	}
	text := out.String()
	inputs, outputs, ok := strings.Cut(text, "Output devices:")
	if !ok {
		t.Fatalf("missing output section:\n%s", text)
	}
	if !strings.Contains(inputs, "0: Mic") || strings.Contains(inputs, "Speakers") {
		t.Errorf("input section wrong:\n%s", inputs)
	}
	if !strings.Contains(outputs, "1: Speakers") || strings.Contains(outputs, "Mic") {
		t.Errorf("output section wrong:\n%s", outputs)
	}
}

func TestDevicesCommand_HostError(t *testing.T) {
	t.Parallel()

	host := &mock.Host{DevicesErr: audio.ErrDevice}
	cmd := newRootCmd(mockDeps(host))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"devices"})
	if err := cmd.ExecuteContext(context.Background()); !errors.Is(err, audio.ErrDevice) {
		t.Errorf("err = %v, want ErrDevice", err)
	}
}

func TestRootCommand_InvalidConfig(t *testing.T) {
	host := &mock.Host{DevicesResult: testDevices}
	cmd := newRootCmd(mockDeps(host))
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--env-file=", "--url", "ftp://nope.example"})
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected configuration error")
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Server.URL = "https://vc.example"
	var out bytes.Buffer
	printStartupSummary(&out, cfg, 0, 1)
	text := out.String()
	for _, want := range []string{"https://vc.example/synthesize", "60 ms (2880 samples)", "input 0, output 1", "output.wav"} {
		if !strings.Contains(text, want) {
			t.Errorf("summary missing %q:\n%s", want, text)
		}
	}
}

func TestRun_StreamsThroughServerUntilCancelled(t *testing.T) {
	origLogger := slog.Default()
	origMP, origTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		slog.SetDefault(origLogger)
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	srv := socketiotest.NewServer(t, socketiotest.WithNamespace(vc.DefaultNamespace))
	host := &mock.Host{DevicesResult: testDevices}
	wavPath := filepath.Join(t.TempDir(), "out.wav")

	cmd := newRootCmd(mockDeps(host))
	var stdout bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{
		"--env-file=",
		"--url", srv.URL,
		"-i", "0", "-o", "1",
		"--wave-file-path", wavPath,
		"--metrics-addr", "127.0.0.1:0",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- cmd.ExecuteContext(ctx) }()

	testCtx, testCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer testCancel()
	conn, err := srv.Accept(testCtx)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	select {
	case <-host.Opened():
	case <-testCtx.Done():
		t.Fatal("devices not opened")
	}

	block := make([]float32, config.DefaultNumChunks*config.ChunkSizeMultiplier)
	for i := range block {
		block[i] = 0.5
	}
	if !host.Input().Capture(block) {
		t.Fatal("input stream not running")
	}

	// Answer the handshake and echo the captured frame as converted audio.
	for echoed := false; !echoed; {
		name, args, id, hasID, err := conn.ReadEvent(testCtx)
		if err != nil {
			t.Fatalf("ReadEvent: %v", err)
		}
		switch name {
		case vc.EventGetSettings:
			if hasID {
				if err := conn.Ack(testCtx, id, map[string]any{"voice": "Mike"}); err != nil {
					t.Fatalf("Ack: %v", err)
				}
			}
		case vc.EventRequestConversion:
			if err := conn.Emit(testCtx, vc.EventResponse, args[0]); err != nil {
				t.Fatalf("Emit: %v", err)
			}
			echoed = true
		}
	}

	var played []int16
	for played == nil || played[0] != 16383 {
		if testCtx.Err() != nil {
			t.Fatal("converted block never played")
		}
		played = host.Output().Pull(len(block))
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	if !strings.Contains(stdout.String(), "Buffer length : 60 ms") {
		t.Errorf("startup banner missing:\n%s", stdout.String())
	}
	if info, err := os.Stat(wavPath); err != nil || info.Size() <= 44 {
		t.Errorf("recording not written: info=%v err=%v", info, err)
	}
	if !host.Input().Closed() || !host.Output().Closed() {
		t.Error("device streams left open")
	}
}
