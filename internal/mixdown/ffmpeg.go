package mixdown

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Transcoder converts a lossless intermediate into the final compressed
// artifact.
type Transcoder interface {
	Transcode(ctx context.Context, in, out string, opts EncodeOptions) error
}

// EncodeOptions controls the final artifact encoding.
type EncodeOptions struct {
	// Format is the container/codec family: mp3, ogg, m4a, flac or wav.
	Format string
	// Bitrate is passed to the encoder verbatim, e.g. "192k".
	Bitrate string
	// SampleRate is the output sample rate in Hz.
	SampleRate int
	// Channels is the output channel count.
	Channels int
}

// DefaultEncodeOptions returns the stereo mp3 settings used when nothing is
// configured.
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{Format: "mp3", Bitrate: "192k", SampleRate: 48000, Channels: 2}
}

func (o EncodeOptions) withDefaults() EncodeOptions {
	d := DefaultEncodeOptions()
	if o.Format == "" {
		o.Format = d.Format
	}
	if o.Bitrate == "" {
		o.Bitrate = d.Bitrate
	}
	if o.SampleRate <= 0 {
		o.SampleRate = d.SampleRate
	}
	if o.Channels <= 0 {
		o.Channels = d.Channels
	}
	return o
}

// codecFor maps a format name to the ffmpeg audio encoder.
func codecFor(format string) (codec string, lossy bool, err error) {
	switch strings.ToLower(format) {
	case "mp3":
		return "libmp3lame", true, nil
	case "ogg", "opus":
		return "libopus", true, nil
	case "m4a", "aac":
		return "aac", true, nil
	case "flac":
		return "flac", false, nil
	case "wav":
		return "pcm_s16le", false, nil
	default:
		return "", false, fmt.Errorf("unsupported output format %q", format)
	}
}

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// FFmpeg is a [Transcoder] that shells out to the ffmpeg binary.
type FFmpeg struct {
	path string
	run  CommandRunner
}

// FFmpegOption configures an [FFmpeg].
type FFmpegOption func(*FFmpeg)

// WithRunner replaces the command runner; used in tests.
func WithRunner(r CommandRunner) FFmpegOption {
	return func(f *FFmpeg) { f.run = r }
}

// NewFFmpeg returns a transcoder invoking the binary at path ("ffmpeg" when
// empty, resolved through $PATH).
func NewFFmpeg(path string, opts ...FFmpegOption) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	f := &FFmpeg{path: path, run: execRunner}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Check reports whether the ffmpeg binary can be found.
func (f *FFmpeg) Check() error {
	if _, err := exec.LookPath(f.path); err != nil {
		return fmt.Errorf("mixdown: ffmpeg not found at %q: %w", f.path, err)
	}
	return nil
}

// Args returns the ffmpeg argument list for transcoding in to out.
func (f *FFmpeg) Args(in, out string, opts EncodeOptions) ([]string, error) {
	opts = opts.withDefaults()
	codec, lossy, err := codecFor(opts.Format)
	if err != nil {
		return nil, err
	}
	args := []string{
		"-hide_banner", "-loglevel", "error", "-nostdin",
		"-y",
		"-i", in,
		"-c:a", codec,
	}
	if lossy {
		args = append(args, "-b:a", opts.Bitrate)
	}
	args = append(args,
		"-ar", strconv.Itoa(opts.SampleRate),
		"-ac", strconv.Itoa(opts.Channels),
		out,
	)
	return args, nil
}

// Transcode implements [Transcoder]. Failures are returned as *MixdownError
// carrying ffmpeg's combined output.
func (f *FFmpeg) Transcode(ctx context.Context, in, out string, opts EncodeOptions) error {
	args, err := f.Args(in, out, opts)
	if err != nil {
		return &MixdownError{Stage: StageTranscoding, Err: err}
	}
	output, err := f.run(ctx, f.path, args...)
	if err != nil {
		return &MixdownError{
			Stage:  StageTranscoding,
			Output: strings.TrimSpace(string(output)),
			Err:    fmt.Errorf("ffmpeg: %w", err),
		}
	}
	return nil
}
