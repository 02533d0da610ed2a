// Package mock provides an in-memory implementation of [audio.Host] for use
// in unit tests.
//
// The mock never spawns real-time threads. Tests drive the registered
// callbacks explicitly through [Stream.Capture] and [Stream.Pull], which makes
// the capture and playback paths deterministic.
//
// Typical usage:
//
//	host := &mock.Host{DevicesResult: []audio.DeviceInfo{{Index: 0, MaxInputChannels: 1, MaxOutputChannels: 1}}}
//	// ... hand host to the session, then:
//	host.Input().Capture(make([]float32, 2880))
//	out := host.Output().Pull(2880)
package mock

import (
	"sync"

	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
)

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock implementation of [audio.Host].
// Set the exported Result/Err fields before use; inspect the Call* fields after.
type Host struct {
	mu sync.Mutex

	// DevicesResult is returned by [Host.Devices].
	DevicesResult []audio.DeviceInfo

	// DevicesErr is returned by [Host.Devices] when non-nil.
	DevicesErr error

	// OpenInputErr is returned by [Host.OpenInput] when non-nil.
	OpenInputErr error

	// OpenOutputErr is returned by [Host.OpenOutput] when non-nil.
	OpenOutputErr error

	// StartErr is returned by Start on every stream this host opens.
	StartErr error

	// CallCountOpenInput records how many times OpenInput was called.
	CallCountOpenInput int

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	// InputConfigs and OutputConfigs hold the configs passed to each open call.
	InputConfigs  []audio.StreamConfig
	OutputConfigs []audio.StreamConfig

	input  *Stream
	output *Stream
	opened chan struct{}
	once   sync.Once
}

// Devices implements [audio.Host].
func (h *Host) Devices() ([]audio.DeviceInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DevicesErr != nil {
		return nil, h.DevicesErr
	}
	return append([]audio.DeviceInfo(nil), h.DevicesResult...), nil
}

// OpenInput implements [audio.Host].
func (h *Host) OpenInput(cfg audio.StreamConfig, fn audio.CaptureFunc) (audio.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountOpenInput++
	h.InputConfigs = append(h.InputConfigs, cfg)
	if h.OpenInputErr != nil {
		return nil, h.OpenInputErr
	}
	h.input = &Stream{cfg: cfg, capture: fn, startErr: h.StartErr}
	h.signalOpened()
	return h.input, nil
}

// OpenOutput implements [audio.Host].
func (h *Host) OpenOutput(cfg audio.StreamConfig, fn audio.PlaybackFunc) (audio.Stream, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CallCountOpenOutput++
	h.OutputConfigs = append(h.OutputConfigs, cfg)
	if h.OpenOutputErr != nil {
		return nil, h.OpenOutputErr
	}
	h.output = &Stream{cfg: cfg, playback: fn, startErr: h.StartErr}
	h.signalOpened()
	return h.output, nil
}

// Input returns the most recently opened input stream, or nil.
func (h *Host) Input() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.input
}

// Output returns the most recently opened output stream, or nil.
func (h *Host) Output() *Stream {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.output
}

// Opened returns a channel that is closed once both an input and an output
// stream have been opened and started.
func (h *Host) Opened() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.initOpened()
	return h.opened
}

func (h *Host) initOpened() {
	h.once.Do(func() { h.opened = make(chan struct{}) })
}

// signalOpened must be called with h.mu held.
func (h *Host) signalOpened() {
	h.initOpened()
	if h.input == nil || h.output == nil {
		return
	}
	in, out := h.input, h.output
	opened := h.opened
	go func() {
		<-in.startedCh()
		<-out.startedCh()
		select {
		case <-opened:
		default:
			close(opened)
		}
	}()
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [audio.Stream]. Callbacks are only
// delivered while the stream is started and not closed.
type Stream struct {
	mu       sync.Mutex
	cfg      audio.StreamConfig
	capture  audio.CaptureFunc
	playback audio.PlaybackFunc
	startErr error

	startOnce sync.Once
	started   chan struct{}
	running   bool
	closed    bool

	// CallCountStart and CallCountClose record lifecycle calls.
	CallCountStart int
	CallCountClose int
}

// Config returns the configuration the stream was opened with.
func (s *Stream) Config() audio.StreamConfig { return s.cfg }

func (s *Stream) startedCh() chan struct{} {
	s.startOnce.Do(func() { s.started = make(chan struct{}) })
	return s.started
}

// Start implements [audio.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.startErr != nil {
		return s.startErr
	}
	if !s.running && !s.closed {
		s.running = true
		close(s.startedCh())
	}
	return nil
}

// Close implements [audio.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.running = false
	s.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Capture delivers one input block to the capture callback. It reports false
// if the stream is not running.
func (s *Stream) Capture(in []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.capture == nil {
		return false
	}
	s.capture(in, 0)
	return true
}

// Pull asks the playback callback to fill a block of n samples and returns
// it. It returns nil if the stream is not running.
func (s *Stream) Pull(n int) []int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.playback == nil {
		return nil
	}
	out := make([]int16, n)
	for i := range out {
		out[i] = 0x5A5A
	}
	s.playback(out, 0)
	return out
}
