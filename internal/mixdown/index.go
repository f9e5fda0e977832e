package mixdown

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/chorus/pkg/audio"
)

// DefaultRunGap is the arrival gap after which [RunIndex] starts a new run.
// Discord delivers a packet every 20ms while someone speaks, so 40ms means
// at least one frame went missing.
const DefaultRunGap = 40 * time.Millisecond

// Run marks the wall-clock time at which audio resumed and the byte offset in
// the participant file where that audio begins. Participant files hold only
// received audio, so runs are what map wall-clock time to file position.
type Run struct {
	At     time.Time `json:"at"`
	Offset int64     `json:"offset"`
}

// RunIndex accumulates [Run] marks while a file is being written.
//
// RunIndex is safe for concurrent use.
type RunIndex struct {
	gap time.Duration

	mu   sync.Mutex
	runs []Run
	last time.Time
}

// NewRunIndex creates an index that opens a run after gaps longer than gap.
// A non-positive gap selects [DefaultRunGap].
func NewRunIndex(gap time.Duration) *RunIndex {
	if gap <= 0 {
		gap = DefaultRunGap
	}
	return &RunIndex{gap: gap}
}

// Observe records that audio arriving at now will be written at offset.
func (x *RunIndex) Observe(now time.Time, offset int64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.runs) == 0 || now.Sub(x.last) > x.gap {
		x.runs = append(x.runs, Run{At: now, Offset: offset})
	}
	x.last = now
}

// Runs returns a copy of the recorded marks in offset order.
func (x *RunIndex) Runs() []Run {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := make([]Run, len(x.runs))
	copy(out, x.runs)
	return out
}

// Source is one participant's raw capture file together with its run index.
type Source struct {
	ParticipantID string `json:"participant_id"`
	Path          string `json:"path"`
	Runs          []Run  `json:"runs,omitempty"`
}

// ReadClip returns the PCM audio (in format f) the participant produced in
// the wall-clock window [start, end). Parts of the window not covered by any
// run are silence. The result is exactly f.Bytes(end-start) long.
//
// When the source has no runs the file is assumed to start at origin with no
// gaps.
func (s Source) ReadClip(f audio.Format, origin, start, end time.Time) ([]byte, error) {
	out := make([]byte, f.Bytes(end.Sub(start)))
	if len(out) == 0 {
		return out, nil
	}

	file, err := os.Open(s.Path)
	if err != nil {
		return nil, fmt.Errorf("mixdown: read clip: %w", err)
	}
	defer file.Close()
	st, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("mixdown: read clip: %w", err)
	}

	runs := s.Runs
	if len(runs) == 0 {
		runs = []Run{{At: origin, Offset: 0}}
	}

	for i, run := range runs {
		runEndOff := st.Size()
		if i+1 < len(runs) {
			runEndOff = min(runs[i+1].Offset, runEndOff)
		}
		if runEndOff <= run.Offset {
			continue
		}
		runEnd := run.At.Add(f.Duration(runEndOff - run.Offset))

		lo := later(start, run.At)
		hi := earlier(end, runEnd)
		if !lo.Before(hi) {
			continue
		}

		src := run.Offset + f.Bytes(lo.Sub(run.At))
		dst := f.Bytes(lo.Sub(start))
		n := min(f.Bytes(hi.Sub(lo)), int64(len(out))-dst, runEndOff-src)
		if n <= 0 {
			continue
		}
		if _, err := file.ReadAt(out[dst:dst+n], src); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("mixdown: read clip %s at %d: %w", s.Path, src, err)
		}
	}
	return out, nil
}

func later(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlier(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
