// Package config provides the configuration schema and loader for the
// livevc client.
//
// Values are layered: [Default], then an optional YAML file, then the
// environment ([ApplyEnv]), then command-line flags. [Validate] runs last.
package config

import (
	"log/slog"
	"time"

	"github.com/resemble-ai/resemble-live-sts-socket/internal/vc"
)

const (
	// SampleRate is the fixed stream sample rate in Hz shared by capture,
	// playback, the server and the recording.
	SampleRate = 48000

	// ChunkSizeMultiplier is the number of samples per chunk count. The
	// device block size is NumChunks times this value.
	ChunkSizeMultiplier = 360

	// DefaultNumChunks gives 2880-sample (60 ms) blocks.
	DefaultNumChunks = 8
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level. Unknown values map to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Client    ClientConfig    `yaml:"client"`
	Voice     VoiceConfig     `yaml:"voice"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig describes the conversion service connection.
type ServerConfig struct {
	// URL is the server base URL without the Socket.IO endpoint.
	URL string `yaml:"url"`

	// Namespace is the Socket.IO namespace. Default: /synthesize.
	Namespace string `yaml:"namespace"`

	// Auth is an optional "username:password" credential for HTTP Basic
	// authentication (e.g. an ngrok tunnel).
	Auth string `yaml:"auth"`

	// HandshakeTimeout bounds the connect and settings handshake.
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// FailOnServerError ends the session on an error-severity status
	// message instead of only logging it.
	FailOnServerError bool `yaml:"fail_on_server_error"`
}

// ClientConfig holds the local audio settings.
type ClientConfig struct {
	// NumChunks sets the block size as a multiple of [ChunkSizeMultiplier].
	NumChunks int `yaml:"num_chunks"`

	// SampleRate must equal [SampleRate]; it is exposed so a config file
	// states it explicitly.
	SampleRate int `yaml:"sample_rate"`

	// WaveFilePath is where the played output is recorded. Empty disables
	// recording.
	WaveFilePath string `yaml:"wave_file_path"`

	// InputDevice and OutputDevice are device indices. Both or neither must
	// be set; when neither is, the user is asked to choose.
	InputDevice  *int `yaml:"input_device"`
	OutputDevice *int `yaml:"output_device"`

	// MaxPending bounds the jitter buffer. Zero means unbounded.
	MaxPending int `yaml:"max_pending"`

	// SendQueue is the outbound frame queue capacity.
	SendQueue int `yaml:"send_queue"`
}

// VoiceConfig holds the conversion parameters. Hot-reloadable: a change is
// sent to the server as a complete settings update.
type VoiceConfig struct {
	Voice                string  `yaml:"voice"`
	VAD                  int     `yaml:"vad"`
	GPU                  int     `yaml:"gpu"`
	ExtraConvertSize     int     `yaml:"extra_convert_size"`
	Pitch                float64 `yaml:"pitch"`
	CrossFadeOffsetRate  float64 `yaml:"crossfade_offset_rate"`
	CrossFadeEndRate     float64 `yaml:"crossfade_end_rate"`
	CrossFadeOverlapSize int     `yaml:"crossfade_overlap_size"`
}

// Settings converts v to the wire settings.
func (v VoiceConfig) Settings() vc.VoiceSettings {
	return vc.VoiceSettings{
		Voice:                v.Voice,
		CrossFadeOffsetRate:  v.CrossFadeOffsetRate,
		CrossFadeEndRate:     v.CrossFadeEndRate,
		CrossFadeOverlapSize: v.CrossFadeOverlapSize,
		ExtraConvertSize:     v.ExtraConvertSize,
		GPU:                  v.GPU,
		Pitch:                v.Pitch,
		VAD:                  v.VAD,
	}
}

// TelemetryConfig configures the local health and metrics endpoint.
type TelemetryConfig struct {
	// ListenAddr serves /healthz, /readyz and /metrics. Empty disables it.
	ListenAddr string `yaml:"listen_addr"`
}

// ChunkSize returns the device block size in samples.
func (c *Config) ChunkSize() int {
	return c.Client.NumChunks * ChunkSizeMultiplier
}

// BufferLength returns the duration of one block.
func (c *Config) BufferLength() time.Duration {
	return time.Duration(c.ChunkSize()) * time.Second / time.Duration(c.Client.SampleRate)
}

// Default returns the configuration used when nothing else is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Namespace:        vc.DefaultNamespace,
			HandshakeTimeout: 10 * time.Second,
			LogLevel:         LogInfo,
		},
		Client: ClientConfig{
			NumChunks:    DefaultNumChunks,
			SampleRate:   SampleRate,
			WaveFilePath: "output.wav",
			SendQueue:    32,
		},
		Voice: VoiceConfig{
			Voice:                "Mike",
			VAD:                  1,
			GPU:                  0,
			ExtraConvertSize:     4096,
			Pitch:                0,
			CrossFadeOffsetRate:  0.1,
			CrossFadeEndRate:     0.9,
			CrossFadeOverlapSize: 2048,
		},
	}
}
