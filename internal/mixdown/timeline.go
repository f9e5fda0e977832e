package mixdown

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/segment"
	"github.com/MrWong99/chorus/pkg/audio"
)

// DefaultTimelineMinGap is the smallest inter-segment gap rendered as silence.
const DefaultTimelineMinGap = 100 * time.Millisecond

// TimelineInput is everything needed to rebuild a session's timeline track.
type TimelineInput struct {
	// SessionStart anchors the first gap.
	SessionStart time.Time
	// Segments are the consolidated speech segments.
	Segments []segment.Segment
	// Sources maps participant IDs to their capture files.
	Sources map[string]Source
	// MinGap is the smallest gap rendered as silence. Zero selects
	// [DefaultTimelineMinGap].
	MinGap time.Duration
}

// Timeline builds one continuous mono track from the segments in chrono-
// logical order. A gap longer than MinGap between the previous segment's end
// (or the session start) and the next segment's start becomes silence of
// exactly that length; overlapping or near-adjacent segments are butted
// together. Each clip is normalised to [audio.TimelineFormat] before it is
// appended. The track is then transcoded to out as mono.
func (p *Pipeline) Timeline(ctx context.Context, in TimelineInput, out string) (res Result, err error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "timeline.build")
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
			p.enter(StageFailed)
		}
		p.metrics.RecordMixdown(ctx, "timeline", status, time.Since(start))
		observe.EndSpan(span, err)
	}()
	log := observe.Logger(ctx)

	p.enter(StageIdle)
	if len(in.Segments) == 0 {
		return Result{}, fmt.Errorf("%w (no speech segments)", ErrNoAudioCaptured)
	}

	paths := make([]string, 0, len(in.Sources))
	for _, s := range in.Sources {
		paths = append(paths, s.Path)
	}
	valid, rejected := Validate(ctx, paths)
	for _, e := range rejected {
		log.Warn("mixdown: timeline source unavailable", "err", e)
	}
	usable := make(map[string]bool, len(valid))
	for _, path := range valid {
		usable[path] = true
	}

	segs := slices.Clone(in.Segments)
	slices.SortStableFunc(segs, func(a, b segment.Segment) int { return a.Start.Compare(b.Start) })

	var missing int
	for _, s := range segs {
		if src, ok := in.Sources[s.ParticipantID]; !ok || !usable[src.Path] {
			missing++
		}
	}
	if missing == len(segs) {
		return Result{}, fmt.Errorf("%w (no source file for any segment)", ErrNoAudioCaptured)
	}

	minGap := in.MinGap
	if minGap <= 0 {
		minGap = DefaultTimelineMinGap
	}

	intermediate := intermediatePath(out)
	defer removeQuietly(intermediate)

	p.enter(StageConverting)
	w, err := CreateWAV(intermediate, audio.TimelineFormat)
	if err != nil {
		return Result{}, &MixdownError{Stage: StageConverting, Err: err}
	}
	speakers := make(map[string]struct{})
	err = writeTimeline(w, in, segs, usable, minGap, speakers)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Result{}, &MixdownError{Stage: StageConverting, Err: err}
	}

	opts := p.EncodeOptions()
	opts.Channels = audio.TimelineFormat.Channels
	if err := p.transcode(ctx, intermediate, out, opts); err != nil {
		return Result{}, err
	}

	res = Result{
		Path:         out,
		Duration:     audio.TimelineFormat.Duration(w.DataSize()),
		Participants: len(speakers),
	}
	p.enter(StageComplete)
	log.Info("mixdown: timeline complete",
		"output", out,
		"segments", len(segs),
		"duration", res.Duration,
	)
	return res, nil
}

func writeTimeline(w *WAVWriter, in TimelineInput, segs []segment.Segment, usable map[string]bool, minGap time.Duration, speakers map[string]struct{}) error {
	conv := audio.Converter{From: audio.CaptureFormat, To: audio.TimelineFormat}
	cursor := in.SessionStart
	for _, s := range segs {
		if gap := s.Start.Sub(cursor); gap > minGap {
			if _, err := w.Write(audio.Silence(audio.TimelineFormat, gap)); err != nil {
				return err
			}
		}
		cursor = s.End

		clip := audio.Silence(audio.CaptureFormat, s.End.Sub(s.Start))
		if src, ok := in.Sources[s.ParticipantID]; ok && usable[src.Path] {
			var err error
			clip, err = src.ReadClip(audio.CaptureFormat, in.SessionStart, s.Start, s.End)
			if err != nil {
				return err
			}
			speakers[s.ParticipantID] = struct{}{}
		}
		if _, err := w.Write(conv.Convert(clip)); err != nil {
			return err
		}
	}
	return nil
}
