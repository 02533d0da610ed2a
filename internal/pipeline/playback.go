package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/resemble-ai/resemble-live-sts-socket/internal/observe"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/jitter"
)

// ErrSizeMismatch describes a converted block whose length differs from the
// device block. It is recorded and logged, never returned: the block is
// zero-padded or truncated to fit.
var ErrSizeMismatch = errors.New("pipeline: converted block size mismatch")

// Source yields converted blocks without blocking. *jitter.Buffer
// implements it.
type Source interface {
	TryPop() (jitter.Entry, bool)
}

// BlockSink receives every block written to the speaker. Implementations
// must not block and must not retain the slice; *recording.Recorder is one.
type BlockSink interface {
	WriteBlock(samples []int16)
	WriteSilence(n int)
}

// PlaybackOption configures a [Playback].
type PlaybackOption func(*Playback)

// WithSink forwards played blocks and silence to s.
func WithSink(s BlockSink) PlaybackOption {
	return func(p *Playback) { p.sink = s }
}

// WithTracker records RTF samples into t instead of a private tracker.
func WithTracker(t *RTFTracker) PlaybackOption {
	return func(p *Playback) { p.rtf = t }
}

// WithPlaybackMetrics sets the metrics sink. Default: observe.DefaultMetrics().
func WithPlaybackMetrics(m *observe.Metrics) PlaybackOption {
	return func(p *Playback) { p.metrics = m }
}

// Playback is the output device callback.
type Playback struct {
	src     Source
	sink    BlockSink
	rtf     *RTFTracker
	metrics *observe.Metrics
	// blockMs is the duration of one device block in milliseconds.
	blockMs float64

	played     atomic.Uint64
	silent     atomic.Uint64
	mismatches atomic.Uint64
}

// NewPlayback returns a playback callback reading from src. chunkSize and
// sampleRate define the block duration RTF is measured against.
func NewPlayback(src Source, chunkSize, sampleRate int, opts ...PlaybackOption) *Playback {
	p := &Playback{
		src:     src,
		blockMs: 1000 * float64(chunkSize) / float64(sampleRate),
	}
	for _, o := range opts {
		o(p)
	}
	if p.rtf == nil {
		p.rtf = &RTFTracker{}
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// Process fills out with the next converted block, or with silence when
// none is buffered. It matches [audio.PlaybackFunc].
func (p *Playback) Process(out []int16, status audio.StatusFlags) {
	if status != 0 {
		slog.Warn("pipeline: output stream status", "status", status)
	}
	ctx := context.Background()

	e, ok := p.src.TryPop()
	if !ok {
		clear(out)
		p.silent.Add(1)
		p.metrics.RecordPlayback(ctx, true, 0)
		if p.sink != nil {
			p.sink.WriteSilence(len(out))
		}
		return
	}

	n := copy(out, e.Audio)
	if n < len(out) {
		clear(out[n:])
	}
	if len(e.Audio) != len(out) {
		p.mismatches.Add(1)
		p.metrics.RecordSizeMismatch(ctx)
		slog.Warn("pipeline: playing converted block of unexpected size",
			"err", ErrSizeMismatch, "got", len(e.Audio), "want", len(out))
	}

	rtf := p.RTF(e.Latency)
	p.rtf.Record(rtf)
	p.played.Add(1)
	p.metrics.RecordPlayback(ctx, false, rtf)
	if p.sink != nil {
		p.sink.WriteBlock(out)
	}
}

// RTF converts a round-trip latency into a real-time factor relative to one
// block duration.
func (p *Playback) RTF(latency time.Duration) float64 {
	ms := float64(latency) / float64(time.Millisecond)
	return ms / p.blockMs
}

// Tracker returns the RTF tracker.
func (p *Playback) Tracker() *RTFTracker { return p.rtf }

// Played returns how many converted blocks were played.
func (p *Playback) Played() uint64 { return p.played.Load() }

// Silent returns how many blocks were filled with silence.
func (p *Playback) Silent() uint64 { return p.silent.Load() }

// Mismatches returns how many converted blocks had the wrong size.
func (p *Playback) Mismatches() uint64 { return p.mismatches.Load() }
