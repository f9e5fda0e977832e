package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr     = ":9090"
	DefaultRecordingDir   = "./recordings"
	DefaultConnectTimeout = 15 * time.Second
	DefaultConnectRetries = 2
	DefaultRetryDelay     = 2 * time.Second
	DefaultFlushGrace     = 100 * time.Millisecond
	DefaultMergeGap       = 750 * time.Millisecond
	DefaultMinDuration    = 1000 * time.Millisecond
	DefaultFFmpegPath     = "ffmpeg"
	DefaultFormat         = "mp3"
	DefaultBitrate        = "192k"
	DefaultSampleRate     = 48000
	DefaultTimelineMinGap = 100 * time.Millisecond
)

// ValidFormats lists the accepted mixdown output formats.
var ValidFormats = []string{"mp3", "ogg", "opus", "m4a", "aac", "flac", "wav"}

// ValidSampleRates lists the accepted mixdown output sample rates.
var ValidSampleRates = []int{8000, 16000, 22050, 24000, 32000, 44100, 48000}

var (
	envRef      = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)
	bitrateExpr = regexp.MustCompile(`^[1-9][0-9]*k$`)
)

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A .env file next to the config and one in the working directory
// are loaded first, if present; variables already set in the environment win.
func Load(path string) (*Config, error) {
	LoadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env")

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

// LoadDotEnv loads each existing .env file in paths into the process
// environment. Missing files are ignored; other failures are logged.
func LoadDotEnv(paths ...string) {
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err == nil {
			if seen[abs] {
				continue
			}
			seen[abs] = true
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("config: failed to load env file", "path", p, "err", err)
		}
	}
}

// LoadFromReader decodes a YAML config from r, expands ${VAR} references,
// applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("config: read: %w", err)
	}
	data = ExpandEnv(data)

	cfg := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces ${VAR} references with their environment values. Unset
// variables expand to the empty string. Bare $VAR is left alone.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		name := envRef.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}

	r := &cfg.Recording
	if r.Dir == "" {
		r.Dir = DefaultRecordingDir
	}
	if r.ConnectTimeout == 0 {
		r.ConnectTimeout = DefaultConnectTimeout
	}
	if r.ConnectRetries == 0 {
		r.ConnectRetries = DefaultConnectRetries
	}
	if r.RetryDelay == 0 {
		r.RetryDelay = DefaultRetryDelay
	}
	if r.FlushGrace == 0 {
		r.FlushGrace = DefaultFlushGrace
	}

	if cfg.Segments.MergeGap == 0 {
		cfg.Segments.MergeGap = DefaultMergeGap
	}
	if cfg.Segments.MinDuration == 0 {
		cfg.Segments.MinDuration = DefaultMinDuration
	}

	m := &cfg.Mixdown
	if m.FFmpegPath == "" {
		m.FFmpegPath = DefaultFFmpegPath
	}
	if m.Format == "" {
		m.Format = DefaultFormat
	}
	if m.Bitrate == "" {
		m.Bitrate = DefaultBitrate
	}
	if m.SampleRate == 0 {
		m.SampleRate = DefaultSampleRate
	}
	if m.TimelineMinGap == 0 {
		m.TimelineMinGap = DefaultTimelineMinGap
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, errors.New("discord.token is required"))
	}
	if cfg.Discord.GuildID == "" {
		errs = append(errs, errors.New("discord.guild_id is required"))
	}

	// Recording
	r := cfg.Recording
	if r.Dir == "" {
		errs = append(errs, errors.New("recording.dir is required"))
	}
	for name, d := range map[string]time.Duration{
		"recording.connect_timeout": r.ConnectTimeout,
		"recording.retry_delay":     r.RetryDelay,
		"recording.flush_grace":     r.FlushGrace,
		"segments.merge_gap":        cfg.Segments.MergeGap,
		"segments.min_duration":     cfg.Segments.MinDuration,
		"mixdown.timeline_min_gap":  cfg.Mixdown.TimelineMinGap,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", name, d))
		}
	}
	if r.ConnectRetries < -1 {
		errs = append(errs, fmt.Errorf("recording.connect_retries %d is invalid; use -1 to disable retries", r.ConnectRetries))
	}

	// Mixdown
	m := cfg.Mixdown
	if m.Format != "" && !slices.Contains(ValidFormats, m.Format) {
		errs = append(errs, fmt.Errorf("mixdown.format %q is invalid; valid values: %v", m.Format, ValidFormats))
	}
	if m.Bitrate != "" && !bitrateExpr.MatchString(m.Bitrate) {
		errs = append(errs, fmt.Errorf("mixdown.bitrate %q is invalid; expected a value like 192k", m.Bitrate))
	}
	if m.SampleRate != 0 && !slices.Contains(ValidSampleRates, m.SampleRate) {
		errs = append(errs, fmt.Errorf("mixdown.sample_rate %d is invalid; valid values: %v", m.SampleRate, ValidSampleRates))
	}
	if m.Timeline && !m.IsEnabled() {
		slog.Warn("mixdown.timeline is set but mixdown is disabled; no timeline will be produced")
	}

	// Archive
	if cfg.Archive.PostgresDSN == "" {
		slog.Debug("archive.postgres_dsn is empty; finished sessions are archived in memory only")
	}

	return errors.Join(errs...)
}
