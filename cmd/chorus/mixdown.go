package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/chorus/internal/config"
	"github.com/MrWong99/chorus/internal/mixdown"
	"github.com/MrWong99/chorus/internal/session"
)

// encodeFlags are the artifact settings shared by the offline commands.
type encodeFlags struct {
	ffmpeg  string
	format  string
	bitrate string
	rate    int
}

func (f *encodeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.ffmpeg, "ffmpeg", config.DefaultFFmpegPath, "ffmpeg binary")
	cmd.Flags().StringVar(&f.format, "format", "", "output format (mp3, ogg, m4a, flac, wav); defaults to the output extension")
	cmd.Flags().StringVar(&f.bitrate, "bitrate", config.DefaultBitrate, "encoder bitrate for lossy formats")
	cmd.Flags().IntVar(&f.rate, "sample-rate", config.DefaultSampleRate, "output sample rate in Hz")
}

// pipeline builds a mixdown pipeline writing to out.
func (f *encodeFlags) pipeline(out string, channels int) (*mixdown.Pipeline, error) {
	format := f.format
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(out)), ".")
	}
	if format == "" {
		return nil, fmt.Errorf("cannot infer format from %q, pass --format", out)
	}
	ff := mixdown.NewFFmpeg(f.ffmpeg)
	if err := ff.Check(); err != nil {
		return nil, err
	}
	return mixdown.New(ff, mixdown.EncodeOptions{
		Format:     format,
		Bitrate:    f.bitrate,
		SampleRate: f.rate,
		Channels:   channels,
	}), nil
}

func newMixdownCmd() *cobra.Command {
	var (
		out   string
		flags encodeFlags
	)
	cmd := &cobra.Command{
		Use:   "mixdown --out FILE TRACK.pcm...",
		Short: "Mix raw per-speaker tracks into one file",
		Long:  "Sum 48 kHz stereo 16-bit PCM capture files into a single compressed artifact. A single input is transcoded without mixing.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.pipeline(out, 2)
			if err != nil {
				return err
			}
			start := time.Now()
			res, err := p.Run(commandContext(cmd), args, out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s, %d tracks, mixed=%t) in %s\n",
				res.Path, res.Duration.Truncate(time.Second), res.Participants, res.Mixed,
				time.Since(start).Truncate(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file")
	_ = cmd.MarkFlagRequired("out")
	flags.register(cmd)
	return cmd
}

func newTimelineCmd() *cobra.Command {
	var (
		dir    string
		out    string
		minGap time.Duration
		flags  encodeFlags
	)
	cmd := &cobra.Command{
		Use:   "timeline --dir SESSION_DIR",
		Short: "Rebuild the speaker timeline track of a stopped session",
		Long:  "Read the session manifest and lay the consolidated speech segments end to end. Gaps longer than --min-gap are kept as silence.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := session.ReadManifest(dir)
			if err != nil {
				return err
			}
			if out == "" {
				ext := flags.format
				if ext == "" {
					ext = config.DefaultFormat
				}
				out = filepath.Join(dir, "timeline."+ext)
			}
			p, err := flags.pipeline(out, 1)
			if err != nil {
				return err
			}
			res, err := p.Timeline(commandContext(cmd), m.TimelineInput(minGap), out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s, %d speakers, %d segments)\n",
				res.Path, res.Duration.Truncate(time.Second), res.Participants, len(m.Segments))
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", "", "session directory containing "+session.ManifestName)
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default <dir>/timeline.<format>)")
	cmd.Flags().DurationVar(&minGap, "min-gap", config.DefaultTimelineMinGap, "smallest gap between segments rendered as silence")
	_ = cmd.MarkFlagRequired("dir")
	flags.register(cmd)
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
