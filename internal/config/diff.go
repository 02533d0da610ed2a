package config

import "github.com/resemble-ai/resemble-live-sts-socket/internal/vc"

// ConfigDiff describes what changed between two configs. Voice settings and
// the log level are applied live; everything else is reported in
// RestartRequired and ignored until the next run.
type ConfigDiff struct {
	VoiceChanged bool
	NewVoice     vc.VoiceSettings

	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RestartRequired names changed fields that only take effect on restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.VoiceChanged && !d.LogLevelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Voice != new.Voice {
		d.VoiceChanged = true
		d.NewVoice = new.Voice.Settings()
	}
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	restart := func(name string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, name)
		}
	}
	restart("server.url", old.Server.URL != new.Server.URL)
	restart("server.namespace", old.Server.Namespace != new.Server.Namespace)
	restart("server.auth", old.Server.Auth != new.Server.Auth)
	restart("server.handshake_timeout", old.Server.HandshakeTimeout != new.Server.HandshakeTimeout)
	restart("server.fail_on_server_error", old.Server.FailOnServerError != new.Server.FailOnServerError)
	restart("client.num_chunks", old.Client.NumChunks != new.Client.NumChunks)
	restart("client.wave_file_path", old.Client.WaveFilePath != new.Client.WaveFilePath)
	restart("client.input_device", !sameIndex(old.Client.InputDevice, new.Client.InputDevice))
	restart("client.output_device", !sameIndex(old.Client.OutputDevice, new.Client.OutputDevice))
	restart("client.max_pending", old.Client.MaxPending != new.Client.MaxPending)
	restart("client.send_queue", old.Client.SendQueue != new.Client.SendQueue)
	restart("telemetry.listen_addr", old.Telemetry.ListenAddr != new.Telemetry.ListenAddr)

	return d
}

func sameIndex(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
