// Package app wires all Chorus subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves until the context ends, and Shutdown stops every
// active recording before tearing everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithTransport, WithArchive, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chorus/internal/archive"
	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/discord"
	"github.com/MrWong99/chorus/internal/discord/commands"
	"github.com/MrWong99/chorus/internal/health"
	"github.com/MrWong99/chorus/internal/mixdown"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/resilience"
	"github.com/MrWong99/chorus/internal/segment"
	"github.com/MrWong99/chorus/internal/session"
	"github.com/MrWong99/chorus/pkg/audio"
)

// serverShutdownTimeout bounds the HTTP server drain once Run ends.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg   *config.Config
	level *slog.LevelVar

	metrics    *observe.Metrics
	transport  audio.Transport
	decoders   audio.DecoderFactory
	transcoder mixdown.Transcoder
	archive    archive.Store

	// Subsystems, initialised in New and torn down in Shutdown.
	bot      *discord.Bot
	pipeline *mixdown.Pipeline
	registry *session.Registry
	checkers []health.Checker
	health   *health.Handler

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTransport injects a voice transport and decoder factory instead of
// connecting the Discord bot.
func WithTransport(t audio.Transport, decoders audio.DecoderFactory) Option {
	return func(a *App) {
		a.transport = t
		a.decoders = decoders
	}
}

// WithArchive injects an archive store instead of creating one from config.
func WithArchive(s archive.Store) Option {
	return func(a *App) { a.archive = s }
}

// WithTranscoder injects a transcoder instead of ffmpeg.
func WithTranscoder(t mixdown.Transcoder) Option {
	return func(a *App) { a.transcoder = t }
}

// WithMetrics injects the metrics instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar makes hot reloads of server.log_level adjust lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(SlogLevel(cfg.Server.LogLevel))
	}

	// ── 1. Archive ───────────────────────────────────────────────────────
	if err := a.initArchive(ctx); err != nil {
		return nil, fmt.Errorf("app: init archive: %w", err)
	}

	// ── 2. Mixdown pipeline ──────────────────────────────────────────────
	a.initMixdown()

	// ── 3. Voice transport ───────────────────────────────────────────────
	if err := a.initTransport(ctx); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: init transport: %w", err)
	}

	// ── 4. Session registry ──────────────────────────────────────────────
	if err := os.MkdirAll(cfg.Recording.Dir, 0o755); err != nil {
		a.runClosers()
		return nil, fmt.Errorf("app: create recording dir: %w", err)
	}
	a.registry = session.NewRegistry(session.Deps{
		Transport: a.transport,
		Decoders:  a.decoders,
		Pipeline:  a.pipeline,
		Archive:   a.archive,
		Metrics:   a.metrics,
	}, RegistryConfig(cfg))
	a.checkers = append(a.checkers, health.WritableDir("recordings_dir", cfg.Recording.Dir))

	// ── 5. Slash commands ────────────────────────────────────────────────
	if a.bot != nil {
		commands.NewRecordCommands(a.bot, a.registry, a.archive)
	}

	// ── 6. Health ────────────────────────────────────────────────────────
	a.health = health.New(a.checkers...).WithSessions(func() int {
		return len(a.registry.Active())
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initArchive connects the PostgreSQL archive behind a circuit breaker when
// configured and falls back to an in-memory store otherwise.
func (a *App) initArchive(ctx context.Context) error {
	if a.archive != nil {
		return nil
	}
	dsn := a.cfg.Archive.PostgresDSN
	if dsn == "" {
		a.archive = archive.NewMemStore()
		slog.Info("app: archive in memory only")
		return nil
	}

	store, err := archive.NewPostgresStore(ctx, dsn)
	if err != nil {
		return err
	}
	a.archive = archive.NewGuardedStore(store, resilience.Config{Name: "archive"})
	a.checkers = append(a.checkers, health.Checker{Name: "archive", Check: store.Ping})
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("app: archive connected to postgres")
	return nil
}

// initMixdown builds the post-stop pipeline around ffmpeg, or around the
// injected transcoder.
func (a *App) initMixdown() {
	if a.transcoder == nil {
		ff := mixdown.NewFFmpeg(a.cfg.Mixdown.FFmpegPath)
		a.transcoder = ff
		if a.cfg.Mixdown.IsEnabled() {
			if err := ff.Check(); err != nil {
				slog.Warn("app: mixdown enabled but ffmpeg unavailable; stops will keep raw files only", "err", err)
			}
			a.checkers = append(a.checkers, health.Checker{
				Name:  "ffmpeg",
				Check: func(context.Context) error { return ff.Check() },
			})
		}
	}
	a.pipeline = mixdown.New(a.transcoder, EncodeOptions(a.cfg.Mixdown), mixdown.WithMetrics(a.metrics))
}

// initTransport connects the Discord bot unless a transport was injected.
func (a *App) initTransport(ctx context.Context) error {
	if a.transport != nil {
		return nil
	}
	bot, err := discord.New(ctx, discord.Config{
		Token:          a.cfg.Discord.Token,
		GuildID:        a.cfg.Discord.GuildID,
		RecorderRoleID: a.cfg.Discord.RecorderRoleID,
	})
	if err != nil {
		return err
	}
	a.bot = bot
	a.transport = bot.Transport()
	a.decoders = bot.DecoderFactory()
	a.checkers = append(a.checkers, health.Checker{Name: "discord", Check: bot.Check})
	slog.Info("app: discord bot connected", "guild_id", a.cfg.Discord.GuildID)
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Registry returns the session registry.
func (a *App) Registry() *session.Registry {
	return a.registry
}

// Archive returns the archive store.
func (a *App) Archive() archive.Store {
	return a.archive
}

// Pipeline returns the mixdown pipeline.
func (a *App) Pipeline() *mixdown.Pipeline {
	return a.pipeline
}

// Handler returns the HTTP handler serving /healthz, /readyz and /metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and registers slash commands, then blocks until ctx is
// cancelled. Cancellation is not an error.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if addr := a.cfg.Server.ListenAddr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			slog.Info("app: http listening", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.bot != nil {
		g.Go(func() error {
			if err := a.bot.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// OnConfigChange applies the hot-reloadable parts of a config change. It is
// meant to be passed to [config.NewWatcher].
func (a *App) OnConfigChange(old, new *config.Config) {
	d := config.Diff(old, new)
	if !d.Changed() {
		return
	}

	if d.LogLevelChanged {
		a.level.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.SegmentsChanged {
		a.registry.SetSegmentConfig(SegmentConfig(d.Segments))
		slog.Info("app: segment thresholds changed",
			"merge_gap", d.Segments.MergeGap,
			"min_duration", d.Segments.MinDuration,
		)
	}
	if d.MixdownChanged {
		a.pipeline.SetEncodeOptions(EncodeOptions(d.Mixdown))
		a.registry.SetPostProcessConfig(PostProcessConfig(d.Mixdown))
		slog.Info("app: mixdown settings changed",
			"enabled", d.Mixdown.IsEnabled(),
			"format", d.Mixdown.Format,
			"timeline", d.Mixdown.Timeline,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart", "settings", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops every active recording, then tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		// Finish recordings first so their files and records survive.
		for _, res := range a.registry.StopAll(ctx) {
			slog.Info("app: recording stopped on shutdown",
				"room_id", res.RoomID,
				"session_id", res.SessionID,
				"segments", len(res.Segments),
			)
		}

		if a.bot != nil {
			if err := a.bot.Close(); err != nil {
				slog.Warn("app: discord bot close error", "err", err)
			}
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}

func (a *App) runClosers() {
	for _, closer := range a.closers {
		_ = closer()
	}
}

// ─── Config mapping ──────────────────────────────────────────────────────────

// SlogLevel converts a config log level to a slog level.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RegistryConfig derives the session registry settings from cfg.
func RegistryConfig(cfg *config.Config) session.Config {
	return session.Config{
		Dir: cfg.Recording.Dir,
		Connect: session.ConnectConfig{
			Timeout:    cfg.Recording.ConnectTimeout,
			Retries:    cfg.Recording.ConnectRetries,
			RetryDelay: cfg.Recording.RetryDelay,
		},
		FlushGrace:  cfg.Recording.FlushGrace,
		Segments:    SegmentConfig(cfg.Segments),
		PostProcess: PostProcessConfig(cfg.Mixdown),
	}
}

// SegmentConfig converts the consolidation thresholds.
func SegmentConfig(c config.SegmentsConfig) segment.Config {
	return segment.Config{MergeGap: c.MergeGap, MinDuration: c.MinDuration}
}

// PostProcessConfig converts the mixdown switches.
func PostProcessConfig(m config.MixdownConfig) session.PostProcessConfig {
	return session.PostProcessConfig{
		Mixdown:        m.IsEnabled(),
		Timeline:       m.Timeline,
		TimelineMinGap: m.TimelineMinGap,
	}
}

// EncodeOptions converts the artifact encoding settings. The mixdown is
// always stereo.
func EncodeOptions(m config.MixdownConfig) mixdown.EncodeOptions {
	return mixdown.EncodeOptions{
		Format:     m.Format,
		Bitrate:    m.Bitrate,
		SampleRate: m.SampleRate,
		Channels:   2,
	}
}
