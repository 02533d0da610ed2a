package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/resemble-ai/resemble-live-sts-socket/internal/config"
	"github.com/resemble-ai/resemble-live-sts-socket/internal/health"
	"github.com/resemble-ai/resemble-live-sts-socket/internal/observe"
	"github.com/resemble-ai/resemble-live-sts-socket/internal/session"
	"github.com/resemble-ai/resemble-live-sts-socket/internal/vc"
	"github.com/resemble-ai/resemble-live-sts-socket/pkg/audio"
)

// options holds the raw flag values. Only flags the user actually set are
// applied over the config file and environment.
type options struct {
	configPath  string
	envFile     string
	url         string
	auth        string
	debug       bool
	metricsAddr string

	numChunks    int
	waveFilePath string
	inputDevice  int
	outputDevice int

	voice                string
	vad                  int
	gpu                  int
	extraConvertSize     int
	pitch                float64
	crossfadeOffsetRate  float64
	crossfadeEndRate     float64
	crossfadeOverlapSize int
}

func newRootCmd(d deps) *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "livevc",
		Short: "Live voice conversion over a Socket.IO connection",
		Long: `livevc captures microphone audio, streams it to a live voice-conversion
server and plays the converted voice back in real time. The played audio
is recorded to a WAV file.

Configuration is layered: built-in defaults, then --config (YAML), then
the environment (LIVEVC_URL, LIVEVC_AUTH, LIVEVC_LOG_LEVEL,
LIVEVC_METRICS_ADDR, optionally from a .env file), then flags.

If no device pair is given, the available devices are listed and you are
asked to choose. Press Ctrl+C to stop.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cmd, opts, d)
		},
	}

	bindFlags(cmd.Flags(), opts)
	cmd.AddCommand(newDevicesCmd(d))
	return cmd
}

func bindFlags(f *pflag.FlagSet, opts *options) {
	def := config.Default()
	f.StringVar(&opts.configPath, "config", "", "path to a YAML configuration file (watched for voice and log level changes)")
	f.StringVar(&opts.envFile, "env-file", ".env", "dotenv file to load before reading LIVEVC_* variables")
	f.StringVar(&opts.url, "url", "", "URL of the server (without the Socket.IO endpoint)")
	f.StringVar(&opts.auth, "auth", "", "username:password for HTTP basic authentication (e.g. ngrok)")
	f.BoolVar(&opts.debug, "debug", false, "enable debug logging")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve /healthz, /readyz and /metrics on this address")

	f.IntVar(&opts.numChunks, "num-chunks", def.Client.NumChunks, fmt.Sprintf("number of %d-sample chunks per block", config.ChunkSizeMultiplier))
	f.StringVar(&opts.waveFilePath, "wave-file-path", def.Client.WaveFilePath, "path of the WAV recording of the played audio (empty disables it)")
	f.IntVarP(&opts.inputDevice, "input-device", "i", 0, "index of the input audio device")
	f.IntVarP(&opts.outputDevice, "output-device", "o", 0, "index of the output audio device")

	f.StringVar(&opts.voice, "voice", def.Voice.Voice, "name of the voice to convert to")
	f.IntVar(&opts.vad, "vad", def.Voice.VAD, "VAD level (0: off, 1: low, 2: medium, 3: high)")
	f.IntVar(&opts.gpu, "gpu", def.Voice.GPU, "CUDA device id on the server")
	f.IntVar(&opts.extraConvertSize, "extra-convert-size", def.Voice.ExtraConvertSize, fmt.Sprintf("context the server uses, one of %v", vc.ExtraConvertSizes))
	f.Float64Var(&opts.pitch, "pitch", def.Voice.Pitch, "pitch shift")
	f.Float64Var(&opts.crossfadeOffsetRate, "crossfade-offset-rate", def.Voice.CrossFadeOffsetRate, "crossfade offset rate (0.0 - 1.0)")
	f.Float64Var(&opts.crossfadeEndRate, "crossfade-end-rate", def.Voice.CrossFadeEndRate, "crossfade end rate (0.0 - 1.0)")
	f.IntVar(&opts.crossfadeOverlapSize, "crossfade-overlap-size", def.Voice.CrossFadeOverlapSize, "crossfade overlap size")
}

// loadConfig layers defaults, the config file, the environment and flags,
// then validates.
func loadConfig(f *pflag.FlagSet, opts *options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		if err := config.DecodeFile(opts.configPath, cfg); err != nil {
			return nil, err
		}
	}
	if err := overlay(f, opts, cfg); err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration:\n%w", err)
	}
	return cfg, nil
}

// overlay applies the environment and the flags the user set.
func overlay(f *pflag.FlagSet, opts *options, cfg *config.Config) error {
	if err := config.ApplyEnv(cfg, opts.envFile); err != nil {
		return err
	}
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("url", func() { cfg.Server.URL = opts.url })
	set("auth", func() { cfg.Server.Auth = opts.auth })
	set("debug", func() {
		if opts.debug {
			cfg.Server.LogLevel = config.LogDebug
		}
	})
	set("metrics-addr", func() { cfg.Telemetry.ListenAddr = opts.metricsAddr })
	set("num-chunks", func() { cfg.Client.NumChunks = opts.numChunks })
	set("wave-file-path", func() { cfg.Client.WaveFilePath = opts.waveFilePath })
	set("input-device", func() { cfg.Client.InputDevice = &opts.inputDevice })
	set("output-device", func() { cfg.Client.OutputDevice = &opts.outputDevice })
	set("voice", func() { cfg.Voice.Voice = opts.voice })
	set("vad", func() { cfg.Voice.VAD = opts.vad })
	set("gpu", func() { cfg.Voice.GPU = opts.gpu })
	set("extra-convert-size", func() { cfg.Voice.ExtraConvertSize = opts.extraConvertSize })
	set("pitch", func() { cfg.Voice.Pitch = opts.pitch })
	set("crossfade-offset-rate", func() { cfg.Voice.CrossFadeOffsetRate = opts.crossfadeOffsetRate })
	set("crossfade-end-rate", func() { cfg.Voice.CrossFadeEndRate = opts.crossfadeEndRate })
	set("crossfade-overlap-size", func() { cfg.Voice.CrossFadeOverlapSize = opts.crossfadeOverlapSize })
	return nil
}

func run(ctx context.Context, cmd *cobra.Command, opts *options, d deps) error {
	cfg, err := loadConfig(cmd.Flags(), opts)
	if err != nil {
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(cmd.ErrOrStderr(), level))

	// ── Audio devices ─────────────────────────────────────────────────────────
	host, closeHost, err := d.openHost()
	if err != nil {
		return err
	}
	defer closeHost()
	in, out, err := resolveDevices(cmd.InOrStdin(), cmd.OutOrStdout(), host, cfg)
	if err != nil {
		return err
	}

	printStartupSummary(cmd.OutOrStdout(), cfg, in, out)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	reg := prometheus.NewRegistry()
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{Registry: reg})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// ── Session ───────────────────────────────────────────────────────────────
	vcCfg := vc.Config{
		URL:               cfg.Server.URL,
		Namespace:         cfg.Server.Namespace,
		Auth:              cfg.Server.Auth,
		HandshakeTimeout:  cfg.Server.HandshakeTimeout,
		FailOnServerError: cfg.Server.FailOnServerError,
		SendQueue:         cfg.Client.SendQueue,
	}
	dial := func(ctx context.Context, sink vc.Sink) (session.Channel, error) {
		a, err := vc.Dial(ctx, vcCfg, sink, vc.WithMetrics(metrics))
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	sess := session.New(session.Config{
		ChunkSize:     cfg.ChunkSize(),
		SampleRate:    cfg.Client.SampleRate,
		InputDevice:   in,
		OutputDevice:  out,
		Settings:      cfg.Voice.Settings(),
		RecordingPath: cfg.Client.WaveFilePath,
		MaxPending:    cfg.Client.MaxPending,
	}, host, dial, session.WithMetrics(metrics))

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		report, err := sess.Run(runCtx)
		slog.Info("session finished",
			"session_id", report.ID,
			"duration", report.Duration,
			"frames_sent", report.FramesSubmitted,
			"frames_dropped", report.FramesDropped,
			"blocks_played", report.BlocksPlayed,
			"blocks_silent", report.BlocksSilent,
		)
		return err
	})

	if cfg.Telemetry.ListenAddr != "" {
		h := health.New(
			health.Flag("channel", "not streaming", sess.Ready),
			health.Flag("handshake", "settings not acknowledged", sess.Live),
		)
		info := func() (string, string) { return sess.ID(), sess.State().String() }
		handler := health.NewMux(h, reg, observe.Middleware(metrics, info))
		g.Go(func() error { return health.Serve(runCtx, cfg.Telemetry.ListenAddr, handler) })
	}

	if opts.configPath != "" {
		w, err := watchConfig(runCtx, cmd.Flags(), opts, cfg, sess, level)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			g.Go(func() error {
				<-runCtx.Done()
				w.Stop()
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil && !isInterrupt(err) {
		return err
	}
	slog.Info("goodbye")
	return nil
}

// resolveDevices returns the configured device pair after checking it
// against the host, or asks the user to choose one.
func resolveDevices(r io.Reader, w io.Writer, host audio.Host, cfg *config.Config) (in, out int, err error) {
	devs, err := host.Devices()
	if err != nil {
		return 0, 0, err
	}
	if cfg.Client.InputDevice == nil {
		return chooseDevices(r, w, devs)
	}
	inDev, err := audio.FindDevice(devs, *cfg.Client.InputDevice, true)
	if err != nil {
		return 0, 0, err
	}
	outDev, err := audio.FindDevice(devs, *cfg.Client.OutputDevice, false)
	if err != nil {
		return 0, 0, err
	}
	return inDev.Index, outDev.Index, nil
}

// watchConfig applies voice and log level changes from the config file to
// the running session.
func watchConfig(ctx context.Context, f *pflag.FlagSet, opts *options, current *config.Config, sess *session.Session, level *slog.LevelVar) (*config.Watcher, error) {
	last := current
	onChange := func(_, next *config.Config) {
		merged := *next
		if err := overlay(f, opts, &merged); err != nil {
			slog.Warn("config reload: applying overrides", "err", err)
			return
		}
		d := config.Diff(last, &merged)
		last = &merged
		if d.LogLevelChanged {
			level.Set(d.NewLogLevel.Level())
			slog.Info("config reload: log level changed", "level", d.NewLogLevel)
		}
		if d.VoiceChanged {
			if err := sess.UpdateSettings(ctx, d.NewVoice); err != nil {
				slog.Warn("config reload: sending voice settings", "err", err)
			}
		}
		if len(d.RestartRequired) > 0 {
			slog.Warn("config reload: changes take effect after restart", "fields", d.RestartRequired)
		}
	}
	return config.NewWatcher(opts.configPath, config.Default(), onChange)
}

func printStartupSummary(w io.Writer, cfg *config.Config, in, out int) {
	fmt.Fprintln(w, "------- Resemble.AI LiveVC Socket Client -------")
	fmt.Fprintf(w, "  Server        : %s%s\n", cfg.Server.URL, cfg.Server.Namespace)
	fmt.Fprintf(w, "  Voice         : %s\n", cfg.Voice.Voice)
	fmt.Fprintf(w, "  Buffer length : %d ms (%d samples)\n", cfg.BufferLength().Milliseconds(), cfg.ChunkSize())
	fmt.Fprintf(w, "  Devices       : input %d, output %d\n", in, out)
	if cfg.Client.WaveFilePath != "" {
		fmt.Fprintf(w, "  Recording     : %s\n", cfg.Client.WaveFilePath)
	}
	if cfg.Telemetry.ListenAddr != "" {
		fmt.Fprintf(w, "  Telemetry     : %s\n", cfg.Telemetry.ListenAddr)
	}
	fmt.Fprintln(w, "Recording... Press Ctrl+C to stop")
}
