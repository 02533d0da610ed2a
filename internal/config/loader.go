package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables read by [ApplyEnv].
const (
	EnvURL         = "LIVEVC_URL"
	EnvAuth        = "LIVEVC_AUTH"
	EnvLogLevel    = "LIVEVC_LOG_LEVEL"
	EnvMetricsAddr = "LIVEVC_METRICS_ADDR"
)

// Load reads the YAML configuration file at path on top of [Default] and
// validates the result.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := Decode(r, cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode overlays the YAML document in r onto cfg. Unknown keys are an
// error. An empty document leaves cfg unchanged.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("config: decode yaml: %w", err)
	}
	return nil
}

// DecodeFile is [Decode] for a file path.
func DecodeFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()
	if err := Decode(f, cfg); err != nil {
		return fmt.Errorf("config: parse %q: %w", path, err)
	}
	return nil
}

// ApplyEnv loads envFile (a missing file is not an error; empty skips it)
// into the process environment without overriding existing variables, then
// applies the LIVEVC_* variables to cfg.
func ApplyEnv(cfg *Config, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config: load %q: %w", envFile, err)
		}
	}
	if v, ok := os.LookupEnv(EnvURL); ok {
		cfg.Server.URL = v
	}
	if v, ok := os.LookupEnv(EnvAuth); ok {
		cfg.Server.Auth = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v, ok := os.LookupEnv(EnvMetricsAddr); ok {
		cfg.Telemetry.ListenAddr = v
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error
	if cfg.Server.URL == "" {
		errs = append(errs, errors.New("server.url is required"))
	} else if err := validateURL(cfg.Server.URL); err != nil {
		errs = append(errs, err)
	}
	if err := validateReloadable(cfg); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// validateReloadable checks everything except the server URL, which may be
// supplied on the command line rather than in the watched file.
func validateReloadable(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.HandshakeTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.handshake_timeout %v must not be negative", cfg.Server.HandshakeTimeout))
	}
	if cfg.Server.Auth != "" && !strings.Contains(cfg.Server.Auth, ":") {
		errs = append(errs, errors.New("server.auth must have the form username:password"))
	}

	// Client
	if cfg.Client.NumChunks <= 0 {
		errs = append(errs, fmt.Errorf("client.num_chunks %d must be positive", cfg.Client.NumChunks))
	}
	if cfg.Client.SampleRate != SampleRate {
		errs = append(errs, fmt.Errorf("client.sample_rate %d is unsupported; the service streams at %d Hz", cfg.Client.SampleRate, SampleRate))
	}
	in, out := cfg.Client.InputDevice, cfg.Client.OutputDevice
	switch {
	case (in == nil) != (out == nil):
		errs = append(errs, errors.New("client.input_device and client.output_device must be given together"))
	case in != nil && (*in < 0 || *out < 0):
		errs = append(errs, fmt.Errorf("device indices must not be negative, got input %d output %d", *in, *out))
	}
	if cfg.Client.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("client.max_pending %d must not be negative", cfg.Client.MaxPending))
	}
	if cfg.Client.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("client.send_queue %d must not be negative", cfg.Client.SendQueue))
	}

	// Voice
	if cfg.Voice.Voice == "" {
		errs = append(errs, errors.New("voice.voice is required"))
	}
	if err := cfg.Voice.Settings().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("voice: %w", err))
	}

	return errors.Join(errs...)
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("server.url %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return fmt.Errorf("server.url %q must use http, https, ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("server.url %q has no host", raw)
	}
	return nil
}
