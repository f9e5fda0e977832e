package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are applied; the rest are
// listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	SegmentsChanged bool
	Segments        SegmentsConfig

	MixdownChanged bool
	Mixdown        MixdownConfig

	// RestartRequired names changed settings that only take effect after a
	// restart.
	RestartRequired []string
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.SegmentsChanged || d.MixdownChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Segments != new.Segments {
		d.SegmentsChanged = true
		d.Segments = new.Segments
	}

	if !sameMixdown(old.Mixdown, new.Mixdown) {
		d.MixdownChanged = true
		d.Mixdown = new.Mixdown
	}
	if old.Mixdown.FFmpegPath != new.Mixdown.FFmpegPath {
		d.RestartRequired = append(d.RestartRequired, "mixdown.ffmpeg_path")
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Discord != new.Discord {
		d.RestartRequired = append(d.RestartRequired, "discord")
	}
	if old.Recording != new.Recording {
		d.RestartRequired = append(d.RestartRequired, "recording")
	}
	if old.Archive != new.Archive {
		d.RestartRequired = append(d.RestartRequired, "archive")
	}
	return d
}

// sameMixdown compares the hot-reloadable mixdown fields.
func sameMixdown(a, b MixdownConfig) bool {
	return a.IsEnabled() == b.IsEnabled() &&
		a.Format == b.Format &&
		a.Bitrate == b.Bitrate &&
		a.SampleRate == b.SampleRate &&
		a.Timeline == b.Timeline &&
		a.TimelineMinGap == b.TimelineMinGap
}
