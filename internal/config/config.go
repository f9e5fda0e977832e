// Package config provides the configuration schema, loader and hot-reload
// watcher for the chorus recorder.
package config

import "time"

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

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Discord   DiscordConfig   `yaml:"discord"`
	Recording RecordingConfig `yaml:"recording"`
	Segments  SegmentsConfig  `yaml:"segments"`
	Mixdown   MixdownConfig   `yaml:"mixdown"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address for /healthz, /readyz and /metrics.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`
}

// DiscordConfig holds the bot credentials.
type DiscordConfig struct {
	// Token is the bot token. Usually "${DISCORD_TOKEN}".
	Token string `yaml:"token"`

	// GuildID is the guild whose voice channels are recorded.
	GuildID string `yaml:"guild_id"`

	// RecorderRoleID, when set, restricts /record start and stop to members
	// holding this role.
	RecorderRoleID string `yaml:"recorder_role_id"`
}

// RecordingConfig controls capture and connection behaviour.
type RecordingConfig struct {
	// Dir is the root of the per-session scratch directories.
	Dir string `yaml:"dir"`

	// ConnectTimeout bounds a single voice connection attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// ConnectRetries is the number of retries after a timeout. -1 disables
	// retries.
	ConnectRetries int `yaml:"connect_retries"`

	// RetryDelay is the fixed wait before each retry.
	RetryDelay time.Duration `yaml:"retry_delay"`

	// FlushGrace bounds how long stop waits for buffered writes.
	FlushGrace time.Duration `yaml:"flush_grace"`
}

// SegmentsConfig holds the consolidation thresholds. Hot-reloadable.
type SegmentsConfig struct {
	MergeGap    time.Duration `yaml:"merge_gap"`
	MinDuration time.Duration `yaml:"min_duration"`
}

// MixdownConfig controls post-stop audio output. Hot-reloadable except
// FFmpegPath.
type MixdownConfig struct {
	// Enabled turns the mixdown step on. Defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	FFmpegPath string `yaml:"ffmpeg_path"`

	// Format is one of mp3, ogg, opus, m4a, aac, flac, wav.
	Format string `yaml:"format"`

	// Bitrate is an ffmpeg bitrate such as "192k".
	Bitrate string `yaml:"bitrate"`

	SampleRate int `yaml:"sample_rate"`

	// Timeline additionally produces the mono timeline track.
	Timeline bool `yaml:"timeline"`

	// TimelineMinGap is the smallest gap rendered as silence.
	TimelineMinGap time.Duration `yaml:"timeline_min_gap"`
}

// IsEnabled reports whether mixdown runs. Nil means enabled.
func (m MixdownConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// ArchiveConfig selects where finished sessions are archived.
type ArchiveConfig struct {
	// PostgresDSN enables the PostgreSQL archive. Empty keeps records in
	// memory only.
	PostgresDSN string `yaml:"postgres_dsn"`
}
