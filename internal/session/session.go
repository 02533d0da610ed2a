// Package session orchestrates one live conversion session.
//
// A [Session] dials the conversion channel, starts the settings handshake,
// opens the playback and capture device streams and then streams until the
// context is cancelled or the channel fails. Shutdown stops the devices,
// discards buffered audio, finalises the recording and disconnects.
//
// The session moves through [StateConnecting], [StateHandshaking],
// [StateStreaming], [StateDraining] and [StateClosed]; every transition is
// checked and logged.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/resemble-ai/resemble-live-sts-socket/internal/observe"
	"github.com/resemble-ai/resemble-live-sts-socket/internal/pipeline"
	"github.com/resemble-ai/resemble-live-sts-socket/internal/recording"
	"github.com/resemble-ai/resemble-live-sts-socket/internal/vc"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/jitter"
)

// ErrNotStreaming is returned by [Session.UpdateSettings] when no channel
// is connected.
var ErrNotStreaming = errors.New("session: not streaming")

// Channel is the conversion channel a session drives. *vc.Adapter
// implements it.
type Channel interface {
	Handshake(ctx context.Context, s vc.VoiceSettings) error
	UpdateSettings(ctx context.Context, s vc.VoiceSettings) error
	SendAudio(f audio.Frame) error
	Live() bool
	Ready() bool
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer connects a channel that pushes converted blocks into sink.
type Dialer func(ctx context.Context, sink vc.Sink) (Channel, error)

// Config describes one session.
type Config struct {
	// ChunkSize is the device block size in samples.
	ChunkSize int

	// SampleRate of both device streams and the recording.
	SampleRate int

	// InputDevice and OutputDevice are host device indices;
	// audio.DefaultDevice selects the host default.
	InputDevice  int
	OutputDevice int

	// Settings are sent in the handshake.
	Settings vc.VoiceSettings

	// RecordingPath receives the played output as WAV. Empty disables it.
	RecordingPath string

	// MaxPending bounds the jitter buffer; zero leaves it unbounded.
	MaxPending int
}

// Validate checks the values Run derives block timing from.
func (c Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size %d must be positive", c.ChunkSize))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate %d must be positive", c.SampleRate))
	}
	if c.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("max pending %d must not be negative", c.MaxPending))
	}
	return errors.Join(errs...)
}

// Report summarises a finished session.
type Report struct {
	ID       string
	Duration time.Duration

	FramesSubmitted uint64
	FramesDropped   uint64
	BlocksPlayed    uint64
	BlocksSilent    uint64
	SizeMismatches  uint64

	// Discarded is the number of converted blocks still buffered at
	// shutdown.
	Discarded int

	// RTF is valid only when RTFReported is set.
	RTF         pipeline.RTFSummary
	RTFReported bool

	// Recorded is the number of samples written to the recording.
	Recorded int64
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithID overrides the generated session id.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// Session runs one conversion session. Run may be called once.
type Session struct {
	cfg     Config
	host    audio.Host
	dial    Dialer
	metrics *observe.Metrics
	id      string
	now     func() time.Time

	mu       sync.Mutex
	state    State
	ch       Channel
	settings vc.VoiceSettings
	log      *slog.Logger
}

// New creates a session in [StateConnecting].
func New(cfg Config, host audio.Host, dial Dialer, opts ...Option) *Session {
	s := &Session{
		cfg:      cfg,
		host:     host,
		dial:     dial,
		now:      time.Now,
		settings: cfg.Settings,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.id == "" {
		s.id = uuid.NewString()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ID returns the session id attached to every log record.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if !CanTransition(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	log := s.log
	s.mu.Unlock()
	log.Info("session: state changed", "from", from.String(), "to", to.String())
	return nil
}

// Ready reports whether audio is streaming over a connected channel.
func (s *Session) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStreaming && s.ch != nil && s.ch.Ready()
}

// Live reports whether the server acknowledged the settings handshake.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch != nil && s.ch.Live()
}

// UpdateSettings sends a complete new settings snapshot to the server.
func (s *Session) UpdateSettings(ctx context.Context, settings vc.VoiceSettings) error {
	if err := settings.Validate(); err != nil {
		return fmt.Errorf("session: invalid settings: %w", err)
	}
	s.mu.Lock()
	ch, state := s.ch, s.state
	s.mu.Unlock()
	if ch == nil || (state != StateHandshaking && state != StateStreaming) {
		return ErrNotStreaming
	}
	if err := ch.UpdateSettings(ctx, settings); err != nil {
		return fmt.Errorf("session: update settings: %w", err)
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

// resources are released in reverse order of acquisition by shutdown.
type resources struct {
	buf      *jitter.Buffer
	ch       Channel
	input    audio.Stream
	output   audio.Stream
	recorder *recording.Recorder
	capture  *pipeline.Capture
	playback *pipeline.Playback
}

// Run executes the session until ctx is cancelled or the channel fails. A
// cancelled ctx is a normal shutdown and returns a nil error.
func (s *Session) Run(ctx context.Context) (Report, error) {
	if s.State() != StateConnecting {
		return Report{}, fmt.Errorf("%w: session already run", ErrInvalidTransition)
	}
	if err := s.cfg.Validate(); err != nil {
		_ = s.transition(StateClosed)
		return Report{ID: s.id}, fmt.Errorf("session: invalid config: %w", err)
	}

	ctx = observe.WithSessionID(ctx, s.id)
	ctx, span := observe.StartSpan(ctx, "session.run")
	defer span.End()

	log := observe.Logger(ctx)
	s.mu.Lock()
	s.log = log
	s.mu.Unlock()

	start := s.now()
	report := Report{ID: s.id}
	s.metrics.ActiveSessions.Add(ctx, 1)
	defer s.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)

	log.Info("session: starting",
		"chunk_size", s.cfg.ChunkSize,
		"sample_rate", s.cfg.SampleRate,
		"buffer_length_ms", 1000*s.cfg.ChunkSize/s.cfg.SampleRate,
	)

	var jopts []jitter.Option
	if s.cfg.MaxPending > 0 {
		jopts = append(jopts, jitter.WithCapacity(s.cfg.MaxPending))
	}
	res := &resources{buf: jitter.New(jopts...)}
	if reg, err := s.metrics.RegisterJitterDepth(func() int64 { return int64(res.buf.Len()) }); err == nil {
		defer func() { _ = reg.Unregister() }()
	}

	// Connecting
	ch, err := s.dial(ctx, res.buf)
	if err != nil {
		_ = s.transition(StateClosed)
		if ctx.Err() != nil {
			log.Info("session: interrupted while connecting")
			return report, nil
		}
		return report, fmt.Errorf("session: connect: %w", err)
	}
	res.ch = ch
	s.mu.Lock()
	s.ch = ch
	s.mu.Unlock()

	// Handshaking
	if err := s.transition(StateHandshaking); err != nil {
		s.release(ctx, res, &report)
		return report, err
	}
	hsCtx, hsCancel := context.WithCancel(ctx)
	defer hsCancel()
	var g errgroup.Group
	g.Go(func() error {
		err := ch.Handshake(hsCtx, s.cfg.Settings)
		switch {
		case err == nil:
			log.Info("session: settings acknowledged")
		case hsCtx.Err() == nil:
			log.Warn("session: settings handshake incomplete, streaming anyway", "err", err)
		}
		return nil
	})

	if err := s.openDevices(res); err != nil {
		hsCancel()
		_ = g.Wait()
		_ = s.transition(StateClosed)
		s.release(ctx, res, &report)
		return report, err
	}

	// Streaming
	if err := s.transition(StateStreaming); err != nil {
		hsCancel()
		_ = g.Wait()
		s.release(ctx, res, &report)
		return report, err
	}

	var cause error
	select {
	case <-ctx.Done():
		log.Info("session: interrupted, shutting down")
	case <-ch.Done():
		cause = ch.Err()
		log.Error("session: channel failed", "err", cause)
	}

	// Draining
	_ = s.transition(StateDraining)
	hsCancel()
	_ = g.Wait()
	s.release(ctx, res, &report)

	// Closed
	_ = s.transition(StateClosed)
	report.Duration = s.now().Sub(start)
	s.reportRTF(log, res, &report)

	if cause != nil {
		return report, fmt.Errorf("session: %w", cause)
	}
	return report, nil
}

// openDevices creates the recorder and starts playback before capture so
// the first converted block has somewhere to go.
func (s *Session) openDevices(res *resources) error {
	var popts []pipeline.PlaybackOption
	popts = append(popts, pipeline.WithPlaybackMetrics(s.metrics))
	if s.cfg.RecordingPath != "" {
		rec, err := recording.Create(s.cfg.RecordingPath, s.cfg.SampleRate)
		if err != nil {
			return fmt.Errorf("session: %w", err)
		}
		res.recorder = rec
		popts = append(popts, pipeline.WithSink(rec))
	}
	res.playback = pipeline.NewPlayback(res.buf, s.cfg.ChunkSize, s.cfg.SampleRate, popts...)
	res.capture = pipeline.NewCapture(res.ch)

	out, err := s.host.OpenOutput(s.streamConfig(s.cfg.OutputDevice), res.playback.Process)
	if err != nil {
		return deviceError("open output", err)
	}
	res.output = out
	if err := out.Start(); err != nil {
		return deviceError("start output", err)
	}

	in, err := s.host.OpenInput(s.streamConfig(s.cfg.InputDevice), res.capture.Process)
	if err != nil {
		return deviceError("open input", err)
	}
	res.input = in
	if err := in.Start(); err != nil {
		return deviceError("start input", err)
	}
	return nil
}

func (s *Session) streamConfig(device int) audio.StreamConfig {
	return audio.StreamConfig{
		Device:     device,
		SampleRate: s.cfg.SampleRate,
		Channels:   1,
		BlockSize:  s.cfg.ChunkSize,
	}
}

func deviceError(op string, err error) error {
	if errors.Is(err, audio.ErrDevice) {
		return fmt.Errorf("session: %s: %w", op, err)
	}
	return fmt.Errorf("session: %s: %w: %w", op, audio.ErrDevice, err)
}

// release stops devices, discards buffered audio, finalises the recording
// and disconnects. Each resource may be nil.
func (s *Session) release(ctx context.Context, res *resources, report *Report) {
	log := observe.Logger(ctx)
	if res.input != nil {
		if err := res.input.Close(); err != nil {
			log.Warn("session: closing input stream", "err", err)
		}
	}
	if res.output != nil {
		if err := res.output.Close(); err != nil {
			log.Warn("session: closing output stream", "err", err)
		}
	}
	if n := res.buf.Reset(); n > 0 {
		log.Debug("session: discarded buffered blocks", "blocks", n)
		report.Discarded = n
	}
	if res.recorder != nil {
		if err := res.recorder.Close(); err != nil {
			log.Error("session: finishing recording", "err", err)
		}
		report.Recorded = res.recorder.Samples()
	}
	if res.ch != nil {
		if err := res.ch.Close(); err != nil {
			log.Warn("session: disconnecting", "err", err)
		}
	}
	if res.capture != nil {
		report.FramesSubmitted = res.capture.Submitted()
		report.FramesDropped = res.capture.Dropped()
	}
	if res.playback != nil {
		report.BlocksPlayed = res.playback.Played()
		report.BlocksSilent = res.playback.Silent()
		report.SizeMismatches = res.playback.Mismatches()
	}
}

func (s *Session) reportRTF(log *slog.Logger, res *resources, report *Report) {
	if res.playback == nil {
		return
	}
	sum, ok := res.playback.Tracker().Summary()
	if !ok {
		log.Info("session: no converted audio played, real-time factor not reported")
		return
	}
	report.RTF, report.RTFReported = sum, true
	log.Info("session: average real-time factor",
		"rtf", sum.Average,
		"samples", sum.Used,
		"warmup_only", sum.WarmupOnly,
	)
}
