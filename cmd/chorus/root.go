package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/chorus/internal/app"
	"github.com/MrWong99/chorus/internal/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chorus",
		Short:         "Record Discord voice channels as per-speaker tracks",
		Long:          "Chorus joins a Discord voice channel, captures every speaker to its own file and mixes them down when the recording stops.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.Version = version

	root.AddCommand(newServeCmd())
	root.AddCommand(newMixdownCmd())
	root.AddCommand(newTimelineCmd())
	return root
}

// newLogger installs a text logger on stderr and returns its adjustable level.
func newLogger(level config.LogLevel) *slog.LevelVar {
	lv := new(slog.LevelVar)
	lv.Set(app.SlogLevel(level))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv})))
	return lv
}
