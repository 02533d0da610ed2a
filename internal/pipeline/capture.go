// Package pipeline holds the two real-time audio callbacks of a session.
//
// [Capture] turns each microphone block into a timestamped frame and hands it
// to the network side. [Playback] pulls converted blocks from the jitter
// buffer, fills the speaker block and records the real-time factor of every
// block it plays. Neither ever blocks on network I/O: both run on audio
// device threads.
package pipeline

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
)

// FrameSender submits an encoded frame without blocking. *vc.Adapter
// implements it.
type FrameSender interface {
	SendAudio(audio.Frame) error
}

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithCaptureClock overrides the wall clock used to stamp frames.
func WithCaptureClock(now func() time.Time) CaptureOption {
	return func(c *Capture) { c.now = now }
}

// Capture is the input device callback.
type Capture struct {
	sender FrameSender
	now    func() time.Time

	submitted atomic.Uint64
	dropped   atomic.Uint64
	// failing is true while consecutive submissions fail; only the first
	// failure of a run is logged.
	failing atomic.Bool
}

// NewCapture returns a capture callback that submits frames to sender.
func NewCapture(sender FrameSender, opts ...CaptureOption) *Capture {
	c := &Capture{sender: sender, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Process encodes one captured block and submits it. It matches
// [audio.CaptureFunc].
func (c *Capture) Process(in []float32, status audio.StatusFlags) {
	if status != 0 {
		slog.Warn("pipeline: input stream status", "status", status)
	}
	f := audio.Frame{
		Timestamp: c.now().UnixMilli(),
		Data:      audio.Encode(in),
	}
	if err := c.sender.SendAudio(f); err != nil {
		c.dropped.Add(1)
		if !c.failing.Swap(true) {
			slog.Warn("pipeline: dropping captured audio", "err", err)
		}
		return
	}
	if c.failing.Swap(false) {
		slog.Info("pipeline: capture submissions recovered", "dropped_total", c.dropped.Load())
	}
	c.submitted.Add(1)
}

// Submitted returns how many frames were accepted by the sender.
func (c *Capture) Submitted() uint64 { return c.submitted.Load() }

// Dropped returns how many frames the sender rejected.
func (c *Capture) Dropped() uint64 { return c.dropped.Load() }
