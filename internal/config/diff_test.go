package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/chorus/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{Discord: config.DiscordConfig{Token: "t", GuildID: "g"}}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("diff = %+v, want log level debug", d)
	}
}

func TestDiff_SegmentsChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Segments.MinDuration = 2 * time.Second

	d := config.Diff(old, new)
	if !d.SegmentsChanged || d.Segments.MinDuration != 2*time.Second {
		t.Errorf("diff = %+v", d)
	}
	if d.MixdownChanged || len(d.RestartRequired) != 0 {
		t.Errorf("unexpected extra changes: %+v", d)
	}
}

func TestDiff_MixdownChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	off := false
	new.Mixdown.Enabled = &off

	d := config.Diff(old, new)
	if !d.MixdownChanged || d.Mixdown.IsEnabled() {
		t.Errorf("diff = %+v, want mixdown disabled", d)
	}

	// An explicit true equals the nil default.
	on := true
	other := baseConfig()
	other.Mixdown.Enabled = &on
	if config.Diff(old, other).MixdownChanged {
		t.Error("enabled: true should equal the default")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Discord.Token = "rotated"
	new.Recording.Dir = "/elsewhere"
	new.Mixdown.FFmpegPath = "/opt/ffmpeg"

	d := config.Diff(old, new)
	for _, want := range []string{"discord", "recording", "mixdown.ffmpeg_path"} {
		if !slices.Contains(d.RestartRequired, want) {
			t.Errorf("RestartRequired = %v, missing %q", d.RestartRequired, want)
		}
	}
	if d.MixdownChanged {
		t.Error("ffmpeg_path alone should not count as a hot mixdown change")
	}
}
