// Package session owns live recording sessions: establishing the voice
// connection, running one isolated capture pipeline per participant,
// logging speaking activity, and turning all of it into a [StopResult] when
// the session ends.
//
// A [Registry] allows at most one session per room. Sessions are created on
// a ready connection and destroyed synchronously inside [Registry.Stop]; no
// session outlives its stop call.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/chorus/internal/mixdown"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/segment"
	"github.com/MrWong99/chorus/pkg/audio"
)

// Status is the lifecycle state of a [Session].
type Status int

const (
	StatusActive Status = iota
	StatusStopping
	StatusClosed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusStopping:
		return "stopping"
	case StatusClosed:
		return "closed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Session is one recording of one room. It is owned by the [Registry].
type Session struct {
	ID        string
	RoomID    string
	StartedAt time.Time
	Dir       string

	participants []Participant
	byID         map[string]Participant
	log          *segment.Log
	captures     []*capture
	conn         *ConnectionManager
	cancel       context.CancelFunc
	metrics      *observe.Metrics

	mu     sync.Mutex
	status Status
	lost   audio.Signal
	lostAt time.Time
}

// Info is a read-only snapshot of an active session.
type Info struct {
	SessionID    string    `json:"session_id"`
	RoomID       string    `json:"room_id"`
	StartedAt    time.Time `json:"started_at"`
	Participants int       `json:"participants"`
	Capturing    int       `json:"capturing"`
	Events       int       `json:"events"`
	Dir          string    `json:"dir"`

	// ConnectionLost is set once the voice connection dropped after it was
	// ready. Capture continues until stop.
	ConnectionLost bool `json:"connection_lost,omitempty"`
}

// StopResult is what a stopped session leaves behind.
type StopResult struct {
	SessionID string        `json:"session_id"`
	RoomID    string        `json:"room_id"`
	StartedAt time.Time     `json:"started_at"`
	EndedAt   time.Time     `json:"ended_at"`
	Duration  time.Duration `json:"duration"`
	Dir       string        `json:"dir"`

	// Participants are the non-bot participants whose pipeline was set up.
	Participants []Participant `json:"participants"`
	// Segments are the consolidated speech segments; never nil.
	Segments []segment.Segment `json:"segments"`
	// Files lists capture files that exist and are non-empty.
	Files []CapturedFile `json:"files"`

	// Artifact is the mixdown result, when mixdown ran and succeeded.
	Artifact *mixdown.Result `json:"artifact,omitempty"`
	// Timeline is the timeline track, when enabled and successful.
	Timeline *mixdown.Result `json:"timeline,omitempty"`
	// MixdownErr is the mixdown failure, if any. The raw files in Files
	// remain available as a degraded result.
	MixdownErr error `json:"-"`
	// TimelineErr is the timeline failure, if any.
	TimelineErr error `json:"-"`
}

// Status returns the current lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// Participants returns the non-bot participants being captured.
func (s *Session) Participants() []Participant {
	out := make([]Participant, 0, len(s.captures))
	for _, c := range s.captures {
		out = append(out, c.participant)
	}
	return out
}

// Events returns a copy of the speaking activity log.
func (s *Session) Events() []segment.Event {
	return s.log.Events()
}

// markLost records that the voice connection dropped.
func (s *Session) markLost(sig audio.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lostAt.IsZero() {
		s.lost = sig
		s.lostAt = time.Now()
	}
}

func (s *Session) info() Info {
	s.mu.Lock()
	lost := !s.lostAt.IsZero()
	s.mu.Unlock()
	return Info{
		SessionID:    s.ID,
		RoomID:       s.RoomID,
		StartedAt:    s.StartedAt,
		Participants: len(s.participants),
		Capturing:    len(s.captures),
		Events:       s.log.Len(),
		Dir:          s.Dir,

		ConnectionLost: lost,
	}
}

// track is the speaking notification sink. It only appends; pairing happens
// at stop. Bots are ignored.
func (s *Session) track(n audio.SpeakingNotification) {
	if p, ok := s.byID[n.ParticipantID]; ok && p.Bot {
		return
	}
	kind := segment.Start
	if n.Kind == audio.SpeakingEnd {
		kind = segment.End
	}
	s.log.Append(segment.Event{ParticipantID: n.ParticipantID, Kind: kind, At: n.At})
	s.metrics.RecordSpeakingEvent(context.Background(), kind.String())
}

// names maps participant IDs to display names for consolidation.
func (s *Session) names() map[string]string {
	m := make(map[string]string, len(s.participants))
	for _, p := range s.participants {
		m[p.ID] = p.DisplayName
	}
	return m
}

// teardown closes every capture pipeline and the connection. It never stops
// early: each pipeline is signalled even if others failed, and every close
// error is collected.
//
// Pipelines get one shared grace period to drain buffered packets. After it
// the session context is cancelled, and teardown waits for every pipeline
// goroutine to release its file before closing the connection.
func (s *Session) teardown(grace time.Duration) error {
	var errs []error
	for _, c := range s.captures {
		if err := c.signal(); err != nil {
			errs = append(errs, fmt.Errorf("close stream %s: %w", c.participant.ID, err))
		}
	}

	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	expired := false
	for _, c := range s.captures {
		if expired {
			break
		}
		select {
		case <-c.done:
		case <-deadline.C:
			expired = true
		}
	}
	if expired {
		slog.Debug("session: flush grace elapsed", "session_id", s.ID, "grace", grace)
	}

	s.cancel()
	for _, c := range s.captures {
		<-c.done
	}

	if err := s.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close connection: %w", err))
	}
	return errors.Join(errs...)
}
