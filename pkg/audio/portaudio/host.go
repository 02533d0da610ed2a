// Package portaudio implements [audio.Host] on top of the PortAudio C library
// via github.com/gordonklaus/portaudio. Building it requires cgo and the
// PortAudio development headers.
package portaudio

import (
	"fmt"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
)

// Host is a PortAudio-backed [audio.Host]. Create it with [New] and release
// the library with [Host.Close] once every stream has been closed.
type Host struct {
	closeOnce sync.Once
	closeErr  error
}

var _ audio.Host = (*Host)(nil)

// New initialises PortAudio.
func New() (*Host, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: initialise portaudio: %v", audio.ErrDevice, err)
	}
	return &Host{}, nil
}

// Close terminates PortAudio. Safe to call more than once.
func (h *Host) Close() error {
	h.closeOnce.Do(func() {
		if err := pa.Terminate(); err != nil {
			h.closeErr = fmt.Errorf("%w: terminate portaudio: %v", audio.ErrDevice, err)
		}
	})
	return h.closeErr
}

// Devices implements [audio.Host].
func (h *Host) Devices() ([]audio.DeviceInfo, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: query devices: %v", audio.ErrDevice, err)
	}
	if len(devs) == 0 {
		return nil, fmt.Errorf("%w: no audio devices found", audio.ErrDevice)
	}
	out := make([]audio.DeviceInfo, 0, len(devs))
	for i, d := range devs {
		info := audio.DeviceInfo{
			Index:             i,
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		out = append(out, info)
	}
	return out, nil
}

// OpenInput implements [audio.Host]. Samples are delivered as float32.
func (h *Host) OpenInput(cfg audio.StreamConfig, fn audio.CaptureFunc) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := lookup(cfg.Device, true)
	if err != nil {
		return nil, err
	}
	params := pa.HighLatencyParameters(dev, nil)
	params.Input.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.BlockSize

	s, err := pa.OpenStream(params, func(in []float32, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
		fn(in, statusFlags(flags))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open input %q: %v", audio.ErrDevice, dev.Name, err)
	}
	return &stream{s: s, name: dev.Name}, nil
}

// OpenOutput implements [audio.Host]. Samples are written as int16.
func (h *Host) OpenOutput(cfg audio.StreamConfig, fn audio.PlaybackFunc) (audio.Stream, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dev, err := lookup(cfg.Device, false)
	if err != nil {
		return nil, err
	}
	params := pa.HighLatencyParameters(nil, dev)
	params.Output.Channels = cfg.Channels
	params.SampleRate = float64(cfg.SampleRate)
	params.FramesPerBuffer = cfg.BlockSize

	s, err := pa.OpenStream(params, func(out []int16, _ pa.StreamCallbackTimeInfo, flags pa.StreamCallbackFlags) {
		fn(out, statusFlags(flags))
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open output %q: %v", audio.ErrDevice, dev.Name, err)
	}
	return &stream{s: s, name: dev.Name}, nil
}

func lookup(index int, input bool) (*pa.DeviceInfo, error) {
	if index == audio.DefaultDevice {
		var (
			dev *pa.DeviceInfo
			err error
		)
		if input {
			dev, err = pa.DefaultInputDevice()
		} else {
			dev, err = pa.DefaultOutputDevice()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: default device: %v", audio.ErrDevice, err)
		}
		return dev, nil
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: query devices: %v", audio.ErrDevice, err)
	}
	if index < 0 || index >= len(devs) {
		return nil, fmt.Errorf("%w: no device with index %d", audio.ErrDevice, index)
	}
	dev := devs[index]
	if input && dev.MaxInputChannels == 0 {
		return nil, fmt.Errorf("%w: device %d (%s) has no input channels", audio.ErrDevice, index, dev.Name)
	}
	if !input && dev.MaxOutputChannels == 0 {
		return nil, fmt.Errorf("%w: device %d (%s) has no output channels", audio.ErrDevice, index, dev.Name)
	}
	return dev, nil
}

func statusFlags(f pa.StreamCallbackFlags) audio.StatusFlags {
	var s audio.StatusFlags
	if f&pa.InputUnderflow != 0 {
		s |= audio.InputUnderflow
	}
	if f&pa.InputOverflow != 0 {
		s |= audio.InputOverflow
	}
	if f&pa.OutputUnderflow != 0 {
		s |= audio.OutputUnderflow
	}
	if f&pa.OutputOverflow != 0 {
		s |= audio.OutputOverflow
	}
	if f&pa.PrimingOutput != 0 {
		s |= audio.PrimingOutput
	}
	return s
}

type stream struct {
	s    *pa.Stream
	name string

	mu      sync.Mutex
	started bool
	closed  bool
}

func (st *stream) Start() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return fmt.Errorf("%w: stream %q already closed", audio.ErrDevice, st.name)
	}
	if err := st.s.Start(); err != nil {
		return fmt.Errorf("%w: start %q: %v", audio.ErrDevice, st.name, err)
	}
	st.started = true
	return nil
}

func (st *stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return nil
	}
	st.closed = true
	if st.started {
		if err := st.s.Stop(); err != nil {
			_ = st.s.Close()
			return fmt.Errorf("%w: stop %q: %v", audio.ErrDevice, st.name, err)
		}
	}
	if err := st.s.Close(); err != nil {
		return fmt.Errorf("%w: close %q: %v", audio.ErrDevice, st.name, err)
	}
	return nil
}
