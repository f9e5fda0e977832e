// Package segment turns a session's raw speaking activity log into merged,
// duration-filtered speech segments.
//
// Consolidation runs once, after a session stops, over the whole log in
// arrival order:
//
//  1. Pair: start/end events are paired per participant into [Interval]s.
//     The first start wins; orphan ends and unterminated starts are dropped.
//  2. Merge: intervals are sorted globally by start time and walked with an
//     accumulator. An interval extends the accumulator only if it belongs to
//     the same participant and the gap is strictly below [Config.MergeGap].
//  3. Filter: segments whose duration is not strictly greater than
//     [Config.MinDuration] are dropped.
package segment

import (
	"slices"
	"time"
)

// Default thresholds applied when a [Config] field is zero.
const (
	DefaultMergeGap    = 750 * time.Millisecond
	DefaultMinDuration = 1000 * time.Millisecond
)

// Kind is the direction of a speaking event.
type Kind int

const (
	// Start marks the beginning of speech.
	Start Kind = iota
	// End marks the end of speech.
	End
)

// String returns "start" or "end".
func (k Kind) String() string {
	if k == Start {
		return "start"
	}
	return "end"
}

// Event is one entry in a session's speaking activity log.
type Event struct {
	ParticipantID string
	Kind          Kind
	At            time.Time
}

// Interval is a paired start/end for one participant.
type Interval struct {
	ParticipantID string
	Start         time.Time
	End           time.Time
}

// Segment is a finalized speech segment. Segments for the same participant
// never overlap and Duration always exceeds the configured minimum.
type Segment struct {
	ParticipantID string        `json:"participant_id"`
	DisplayName   string        `json:"display_name"`
	Start         time.Time     `json:"start"`
	End           time.Time     `json:"end"`
	Duration      time.Duration `json:"duration"`
	RelativeStart time.Duration `json:"relative_start"`
	RelativeEnd   time.Duration `json:"relative_end"`
}

// Config holds consolidation thresholds.
type Config struct {
	// MergeGap is the exclusive upper bound on the gap between two
	// same-participant intervals for them to be merged.
	MergeGap time.Duration `yaml:"merge_gap"`

	// MinDuration is the exclusive lower bound on a kept segment's duration.
	MinDuration time.Duration `yaml:"min_duration"`
}

func (c Config) withDefaults() Config {
	if c.MergeGap <= 0 {
		c.MergeGap = DefaultMergeGap
	}
	if c.MinDuration <= 0 {
		c.MinDuration = DefaultMinDuration
	}
	return c
}

// Pair converts an arrival-ordered event log into raw intervals. Intervals
// are returned in the order their end events arrived.
func Pair(events []Event) []Interval {
	open := make(map[string]time.Time)
	var out []Interval
	for _, ev := range events {
		switch ev.Kind {
		case Start:
			if _, ok := open[ev.ParticipantID]; !ok {
				open[ev.ParticipantID] = ev.At
			}
		case End:
			start, ok := open[ev.ParticipantID]
			if !ok {
				// Orphan end: nothing to pair with.
				continue
			}
			delete(open, ev.ParticipantID)
			out = append(out, Interval{ParticipantID: ev.ParticipantID, Start: start, End: ev.At})
		}
	}
	return out
}

// Merge sorts intervals by start time and merges adjacent same-participant
// intervals whose gap is strictly below mergeGap. The input is not modified.
func Merge(intervals []Interval, mergeGap time.Duration) []Interval {
	if len(intervals) == 0 {
		return nil
	}
	sorted := slices.Clone(intervals)
	slices.SortStableFunc(sorted, func(a, b Interval) int {
		return a.Start.Compare(b.Start)
	})

	out := make([]Interval, 0, len(sorted))
	acc := sorted[0]
	for _, iv := range sorted[1:] {
		if iv.ParticipantID == acc.ParticipantID && iv.Start.Sub(acc.End) < mergeGap {
			if iv.End.After(acc.End) {
				acc.End = iv.End
			}
			continue
		}
		out = append(out, acc)
		acc = iv
	}
	return append(out, acc)
}

// Consolidate runs pairing, merging and filtering over events. sessionStart
// anchors the relative offsets; names maps participant IDs to display names
// and may be nil. The result is ordered by start time and never nil.
func Consolidate(events []Event, sessionStart time.Time, names map[string]string, cfg Config) []Segment {
	cfg = cfg.withDefaults()

	merged := Merge(Pair(events), cfg.MergeGap)
	segments := make([]Segment, 0, len(merged))
	for _, iv := range merged {
		d := iv.End.Sub(iv.Start)
		if d <= cfg.MinDuration {
			continue
		}
		segments = append(segments, Segment{
			ParticipantID: iv.ParticipantID,
			DisplayName:   names[iv.ParticipantID],
			Start:         iv.Start,
			End:           iv.End,
			Duration:      d,
			RelativeStart: iv.Start.Sub(sessionStart),
			RelativeEnd:   iv.End.Sub(sessionStart),
		})
	}
	return segments
}
