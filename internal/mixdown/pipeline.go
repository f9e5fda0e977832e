// Package mixdown produces one playable audio artifact from the raw
// per-participant PCM files a recording session leaves behind.
//
// A run moves through Idle → Converting → (Mixing) → Transcoding → Complete
// or Failed. With a single input the raw PCM is wrapped into a WAV
// intermediate as is; with several inputs the streams are summed with
// longest-wins semantics into the intermediate. The intermediate is then
// handed to a [Transcoder] (ffmpeg in production) and always removed
// afterwards.
//
// [Pipeline.Timeline] is the alternate mode: it lays consolidated speech
// segments out on one mono track, preserving the silences between them.
package mixdown

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/pkg/audio"
)

// mixChunkFrames is how many capture frames are summed per read.
const mixChunkFrames = 4800 // 100ms at 48kHz

// Result describes a produced artifact.
type Result struct {
	// Path is the final compressed file.
	Path string `json:"path"`
	// Duration is the playback length, derived from the intermediate.
	Duration time.Duration `json:"duration"`
	// Participants is the number of inputs that went into the artifact.
	Participants int `json:"participants"`
	// Mixed reports whether the multi-input summing step ran.
	Mixed bool `json:"mixed"`
}

// Pipeline runs mixdowns. A Pipeline is safe for concurrent use; each Run
// tracks its own stage.
type Pipeline struct {
	transcoder Transcoder
	metrics    *observe.Metrics

	mu   sync.Mutex
	opts EncodeOptions

	// onStage is invoked on every stage transition; used in tests.
	onStage func(Stage)
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics sets the metrics recorder. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithStageHook registers fn to observe stage transitions.
func WithStageHook(fn func(Stage)) Option {
	return func(p *Pipeline) { p.onStage = fn }
}

// New creates a Pipeline using t for the final encoding step.
func New(t Transcoder, opts EncodeOptions, o ...Option) *Pipeline {
	p := &Pipeline{transcoder: t, opts: opts.withDefaults()}
	for _, fn := range o {
		fn(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// SetEncodeOptions replaces the encoding settings for subsequent runs.
func (p *Pipeline) SetEncodeOptions(opts EncodeOptions) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.opts = opts.withDefaults()
}

// EncodeOptions returns the current encoding settings.
func (p *Pipeline) EncodeOptions() EncodeOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opts
}

func (p *Pipeline) enter(s Stage) {
	if p.onStage != nil {
		p.onStage(s)
	}
}

// Validate checks every candidate concurrently and returns the paths that
// exist and are non-empty, in input order, plus one error per rejected path.
func Validate(ctx context.Context, paths []string) ([]string, []error) {
	ok := make([]bool, len(paths))
	errs := make([]error, len(paths))

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, path := range paths {
		g.Go(func() error {
			st, err := os.Stat(path)
			switch {
			case err != nil:
				errs[i] = &ValidationError{Path: path, Reason: "missing", Err: err}
			case st.IsDir():
				errs[i] = &ValidationError{Path: path, Reason: "is a directory"}
			case st.Size() == 0:
				errs[i] = &ValidationError{Path: path, Reason: "empty"}
			default:
				ok[i] = true
			}
			return nil
		})
	}
	_ = g.Wait()

	var valid []string
	var rejected []error
	for i, path := range paths {
		if ok[i] {
			valid = append(valid, path)
		} else {
			rejected = append(rejected, errs[i])
		}
	}
	return valid, rejected
}

// Run mixes the raw capture files at inputs (PCM in [audio.CaptureFormat])
// into out. Invalid inputs are skipped; if none remain Run returns
// [ErrNoAudioCaptured] without invoking the transcoder.
func (p *Pipeline) Run(ctx context.Context, inputs []string, out string) (res Result, err error) {
	start := time.Now()
	path := "single"
	ctx, span := observe.StartSpan(ctx, "mixdown.run")
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			p.enter(StageFailed)
		}
		p.metrics.RecordMixdown(ctx, path, status, time.Since(start))
		observe.EndSpan(span, err)
	}()
	log := observe.Logger(ctx)

	p.enter(StageIdle)
	valid, rejected := Validate(ctx, inputs)
	for _, e := range rejected {
		log.Warn("mixdown: skipping input", "err", e)
	}
	if len(valid) == 0 {
		return Result{}, fmt.Errorf("%w (%d candidate(s) rejected)", ErrNoAudioCaptured, len(rejected))
	}
	if len(valid) > 1 {
		path = "multi"
	}

	intermediate := intermediatePath(out)
	defer removeQuietly(intermediate)

	p.enter(StageConverting)
	w, err := CreateWAV(intermediate, audio.CaptureFormat)
	if err != nil {
		return Result{}, &MixdownError{Stage: StageConverting, Err: err}
	}

	if len(valid) == 1 {
		err = copyRaw(w, valid[0])
	} else {
		p.enter(StageMixing)
		err = mixRaw(ctx, w, valid)
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		stage := StageConverting
		if len(valid) > 1 {
			stage = StageMixing
		}
		return Result{}, &MixdownError{Stage: stage, Err: err}
	}

	res = Result{
		Path:         out,
		Duration:     audio.CaptureFormat.Duration(w.DataSize()),
		Participants: len(valid),
		Mixed:        len(valid) > 1,
	}

	if err := p.transcode(ctx, intermediate, out, p.EncodeOptions()); err != nil {
		return Result{}, err
	}

	p.enter(StageComplete)
	log.Info("mixdown: complete",
		"output", out,
		"participants", res.Participants,
		"duration", res.Duration,
		"mixed", res.Mixed,
	)
	return res, nil
}

func (p *Pipeline) transcode(ctx context.Context, in, out string, opts EncodeOptions) error {
	p.enter(StageTranscoding)
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return &MixdownError{Stage: StageTranscoding, Err: err}
	}
	if err := p.transcoder.Transcode(ctx, in, out, opts); err != nil {
		removeQuietly(out)
		var me *MixdownError
		if errors.As(err, &me) {
			return me
		}
		return &MixdownError{Stage: StageTranscoding, Err: err}
	}
	return nil
}

// copyRaw appends the raw PCM file at path to w.
func copyRaw(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// mixRaw sums all inputs sample by sample. Exhausted inputs contribute
// silence, so the output is as long as the longest input.
func mixRaw(ctx context.Context, w io.Writer, paths []string) error {
	files := make([]*os.File, 0, len(paths))
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()
	for _, p := range paths {
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		files = append(files, f)
	}

	chunk := mixChunkFrames * audio.CaptureFormat.FrameSize()
	buf := make([]byte, chunk)
	acc := make([]int32, chunk/2)
	out := make([]byte, chunk)
	live := make([]bool, len(files))
	for i := range live {
		live[i] = true
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		clear(acc)
		longest := 0
		for i, f := range files {
			if !live[i] {
				continue
			}
			n, err := io.ReadFull(f, buf)
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				live[i] = false
			} else if err != nil {
				return err
			}
			n &^= 1
			audio.Accumulate(acc, buf[:n])
			longest = max(longest, n)
		}
		if longest == 0 {
			return nil
		}
		n := audio.Pack(out[:longest], acc)
		if _, err := w.Write(out[:n]); err != nil {
			return err
		}
	}
}

// intermediatePath derives the WAV intermediate path next to out.
func intermediatePath(out string) string {
	return strings.TrimSuffix(out, filepath.Ext(out)) + ".intermediate.wav"
}

func removeQuietly(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("mixdown: failed to remove file", "path", path, "err", err)
	}
}
