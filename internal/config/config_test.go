package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/chorus/internal/config"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug

discord:
  token: bot-token
  guild_id: "1234"
  recorder_role_id: "99"

recording:
  dir: /var/lib/chorus
  connect_timeout: 10s
  connect_retries: 3
  retry_delay: 500ms
  flush_grace: 250ms

segments:
  merge_gap: 500ms
  min_duration: 1500ms

mixdown:
  enabled: false
  ffmpeg_path: /usr/bin/ffmpeg
  format: ogg
  bitrate: 96k
  sample_rate: 44100
  timeline: true
  timeline_min_gap: 200ms

archive:
  postgres_dsn: postgres://localhost/chorus
`

// minimalYAML carries only the required fields.
const minimalYAML = `
discord:
  token: bot-token
  guild_id: "1234"
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Discord.RecorderRoleID != "99" {
		t.Errorf("recorder_role_id = %q, want 99", cfg.Discord.RecorderRoleID)
	}
	r := cfg.Recording
	if r.Dir != "/var/lib/chorus" || r.ConnectTimeout != 10*time.Second || r.ConnectRetries != 3 ||
		r.RetryDelay != 500*time.Millisecond || r.FlushGrace != 250*time.Millisecond {
		t.Errorf("recording = %+v", r)
	}
	if cfg.Segments.MergeGap != 500*time.Millisecond || cfg.Segments.MinDuration != 1500*time.Millisecond {
		t.Errorf("segments = %+v", cfg.Segments)
	}
	m := cfg.Mixdown
	if m.IsEnabled() {
		t.Error("mixdown.enabled: false was ignored")
	}
	if m.Format != "ogg" || m.Bitrate != "96k" || m.SampleRate != 44100 || !m.Timeline || m.TimelineMinGap != 200*time.Millisecond {
		t.Errorf("mixdown = %+v", m)
	}
	if cfg.Archive.PostgresDSN != "postgres://localhost/chorus" {
		t.Errorf("archive = %+v", cfg.Archive)
	}
}

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(minimalYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"listen_addr", cfg.Server.ListenAddr, config.DefaultListenAddr},
		{"log_level", cfg.Server.LogLevel, config.LogInfo},
		{"dir", cfg.Recording.Dir, config.DefaultRecordingDir},
		{"connect_timeout", cfg.Recording.ConnectTimeout, 15 * time.Second},
		{"connect_retries", cfg.Recording.ConnectRetries, 2},
		{"retry_delay", cfg.Recording.RetryDelay, 2 * time.Second},
		{"flush_grace", cfg.Recording.FlushGrace, 100 * time.Millisecond},
		{"merge_gap", cfg.Segments.MergeGap, 750 * time.Millisecond},
		{"min_duration", cfg.Segments.MinDuration, 1000 * time.Millisecond},
		{"ffmpeg_path", cfg.Mixdown.FFmpegPath, "ffmpeg"},
		{"format", cfg.Mixdown.Format, "mp3"},
		{"bitrate", cfg.Mixdown.Bitrate, "192k"},
		{"sample_rate", cfg.Mixdown.SampleRate, 48000},
		{"timeline_min_gap", cfg.Mixdown.TimelineMinGap, 100 * time.Millisecond},
		{"mixdown enabled", cfg.Mixdown.IsEnabled(), true},
		{"timeline", cfg.Mixdown.Timeline, false},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadFromReader_UnknownField(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nbogus: true\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestLoadFromReader_BadDuration(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(minimalYAML + "\nsegments:\n  merge_gap: soon\n"))
	if err == nil {
		t.Fatal("expected error for unparsable duration")
	}
}

func TestLoadFromReader_Empty(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader(""))
	if err == nil {
		t.Fatal("expected validation error for empty config")
	}
	if !strings.Contains(err.Error(), "discord.token") {
		t.Errorf("error should mention discord.token, got: %v", err)
	}
}

func TestLoad_ExpandsDotEnv(t *testing.T) {
	// Not parallel: mutates the process environment.
	dir := t.TempDir()
	const key = "CHORUS_TEST_DOTENV_TOKEN"
	t.Cleanup(func() { os.Unsetenv(key) })

	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte(key+"=from-dotenv\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfgPath := filepath.Join(dir, "config.yaml")
	yaml := "discord:\n  token: ${" + key + "}\n  guild_id: \"1\"\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Discord.Token != "from-dotenv" {
		t.Errorf("token = %q, want from-dotenv", cfg.Discord.Token)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("CHORUS_TEST_EXPAND", "v1")

	tests := []struct {
		in, want string
	}{
		{"a: ${CHORUS_TEST_EXPAND}", "a: v1"},
		{"a: ${CHORUS_TEST_UNSET_VAR}", "a: "},
		{"a: $CHORUS_TEST_EXPAND", "a: $CHORUS_TEST_EXPAND"},
		{"a: pa$$word", "a: pa$$word"},
	}
	for _, tt := range tests {
		if got := string(config.ExpandEnv([]byte(tt.in))); got != tt.want {
			t.Errorf("ExpandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
