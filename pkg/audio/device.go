// Package audio defines the PCM frame codec and the device-host abstraction
// used by the live voice-conversion client.
//
// The two primary abstractions are:
//
//   - [Frame] and its codec ([Encode], [Decode]) which convert between the
//     float samples delivered by capture devices and the int16 PCM exchanged
//     with the conversion server.
//   - [Host] which enumerates audio devices and opens callback-driven input
//     and output streams.
//
// Implementations of [Host] live in sub-packages: audio/portaudio for real
// hardware and audio/mock for tests. This package lives under pkg/ because
// alternative hosts are expected to implement [Host].
package audio

import (
	"errors"
	"fmt"
	"strings"
)

// ErrDevice is the sentinel wrapped by every device enumeration or stream
// failure reported by a [Host].
var ErrDevice = errors.New("audio: device error")

// DefaultDevice selects the host's default input or output device.
const DefaultDevice = -1

// DeviceInfo describes one audio device as reported by a [Host].
type DeviceInfo struct {
	Index             int
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// IsInput reports whether the device can capture audio.
func (d DeviceInfo) IsInput() bool { return d.MaxInputChannels > 0 }

// IsOutput reports whether the device can play audio.
func (d DeviceInfo) IsOutput() bool { return d.MaxOutputChannels > 0 }

// StreamConfig is the requested shape of a device stream.
type StreamConfig struct {
	// Device is the device index, or [DefaultDevice].
	Device int

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count. The client always uses mono.
	Channels int

	// BlockSize is the number of frames delivered per callback.
	BlockSize int
}

// Validate reports a configuration the host cannot open.
func (c StreamConfig) Validate() error {
	var errs []error
	if c.Device < DefaultDevice {
		errs = append(errs, fmt.Errorf("device index %d is invalid", c.Device))
	}
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.Channels <= 0 {
		errs = append(errs, fmt.Errorf("channel count must be positive, got %d", c.Channels))
	}
	if c.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("block size must be positive, got %d", c.BlockSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrDevice, errors.Join(errs...))
	}
	return nil
}

// StatusFlags carries the host's per-callback overflow and underflow report.
type StatusFlags uint

const (
	InputUnderflow StatusFlags = 1 << iota
	InputOverflow
	OutputUnderflow
	OutputOverflow
	PrimingOutput
)

// String returns a compact, pipe-separated list of the set flags.
func (s StatusFlags) String() string {
	if s == 0 {
		return "ok"
	}
	names := []struct {
		flag StatusFlags
		name string
	}{
		{InputUnderflow, "input-underflow"},
		{InputOverflow, "input-overflow"},
		{OutputUnderflow, "output-underflow"},
		{OutputOverflow, "output-overflow"},
		{PrimingOutput, "priming-output"},
	}
	var parts []string
	for _, n := range names {
		if s&n.flag != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// CaptureFunc is invoked by the host on its real-time thread with one block
// of normalised float samples. It must not block.
type CaptureFunc func(in []float32, status StatusFlags)

// PlaybackFunc is invoked by the host on its real-time thread and must fill
// out completely. It must not block.
type PlaybackFunc func(out []int16, status StatusFlags)

// Stream is an opened device stream. Start begins callback delivery; Close
// stops it and releases the device. Close is idempotent.
type Stream interface {
	Start() error
	Close() error
}

// Host enumerates devices and opens callback-driven streams.
type Host interface {
	// Devices lists every device known to the host. It returns an error
	// wrapping [ErrDevice] when no device is available.
	Devices() ([]DeviceInfo, error)

	// OpenInput opens a capture stream. The returned stream has not started.
	OpenInput(cfg StreamConfig, fn CaptureFunc) (Stream, error)

	// OpenOutput opens a playback stream. The returned stream has not started.
	OpenOutput(cfg StreamConfig, fn PlaybackFunc) (Stream, error)
}

// InputDevices filters devs to capture-capable devices.
func InputDevices(devs []DeviceInfo) []DeviceInfo {
	var out []DeviceInfo
	for _, d := range devs {
		if d.IsInput() {
			out = append(out, d)
		}
	}
	return out
}

// OutputDevices filters devs to playback-capable devices.
func OutputDevices(devs []DeviceInfo) []DeviceInfo {
	var out []DeviceInfo
	for _, d := range devs {
		if d.IsOutput() {
			out = append(out, d)
		}
	}
	return out
}

// FindDevice returns the device with the given index, checking that it
// supports the requested direction.
func FindDevice(devs []DeviceInfo, index int, input bool) (DeviceInfo, error) {
	for _, d := range devs {
		if d.Index != index {
			continue
		}
		if input && !d.IsInput() {
			return DeviceInfo{}, fmt.Errorf("%w: device %d (%s) has no input channels", ErrDevice, index, d.Name)
		}
		if !input && !d.IsOutput() {
			return DeviceInfo{}, fmt.Errorf("%w: device %d (%s) has no output channels", ErrDevice, index, d.Name)
		}
		return d, nil
	}
	return DeviceInfo{}, fmt.Errorf("%w: no device with index %d", ErrDevice, index)
}
