package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/chorus/internal/app"
	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/observe"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the recorder bot",
		Long:  "Connect to Discord, register the /record commands and serve health and metrics until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	return cmd
}

func serve(parent context.Context, configPath string) error {
	if parent == nil {
		parent = context.Background()
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("config file %q not found, copy configs/example.yaml to get started", configPath)
		}
		return err
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := newLogger(cfg.Server.LogLevel)
	slog.Info("chorus starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry := observe.ProviderConfig{
		ServiceName:    "chorus",
		ServiceVersion: version,
		GuildID:        cfg.Discord.GuildID,
		RecordingsDir:  cfg.Recording.Dir,
	}
	if cfg.Mixdown.IsEnabled() {
		telemetry.MixdownFormat = cfg.Mixdown.Format
	}
	shutdownTelemetry, err := observe.InitProvider(parent, telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.WithLevelVar(level))
	if err != nil {
		return err
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, application.OnConfigChange)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	printStartupSummary(cfg)

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	slog.Info("shutdown signal received, stopping…")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	slog.Info("goodbye")
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	mixdown := "(disabled)"
	if cfg.Mixdown.IsEnabled() {
		mixdown = cfg.Mixdown.Format + " / " + cfg.Mixdown.Bitrate
	}
	archive := "memory"
	if cfg.Archive.PostgresDSN != "" {
		archive = "postgres"
	}
	role := cfg.Discord.RecorderRoleID
	if role == "" {
		role = "(everyone)"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Chorus — startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Guild", cfg.Discord.GuildID)
	printRow("Recorder role", role)
	printRow("Recordings", cfg.Recording.Dir)
	printRow("Mixdown", mixdown)
	printRow("Timeline", fmt.Sprint(cfg.Mixdown.Timeline))
	printRow("Archive", archive)
	if cfg.Server.ListenAddr != "" {
		printRow("Listen addr", cfg.Server.ListenAddr)
	}
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-14s  : %-19s ║\n", label, value)
}
