// Package archive keeps a record of finished recording sessions so they can be
// listed after the fact. [MemStore] is the default; [PostgresStore] persists
// records across restarts.
package archive

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/chorus/internal/segment"
)

// ErrNotFound is returned by [Store.Get] for an unknown session id.
var ErrNotFound = errors.New("archive: not found")

// DefaultListLimit caps [Store.List] when the caller passes limit <= 0.
const DefaultListLimit = 20

// File is one participant capture file referenced by a [Record].
type File struct {
	ParticipantID string `json:"participant_id"`
	DisplayName   string `json:"display_name"`
	Path          string `json:"path"`
	Size          int64  `json:"size"`
}

// Record is the archived summary of one stopped session.
type Record struct {
	SessionID    string            `json:"session_id"`
	RoomID       string            `json:"room_id"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
	Dir          string            `json:"dir"`
	Participants int               `json:"participants"`
	Segments     []segment.Segment `json:"segments"`
	Files        []File            `json:"files"`

	// Artifact is the mixdown output path, empty when mixdown did not run or
	// failed.
	Artifact string `json:"artifact,omitempty"`
	// Timeline is the timeline track path, if one was produced.
	Timeline string `json:"timeline,omitempty"`
	// MixdownError holds the mixdown failure text, if any.
	MixdownError string `json:"mixdown_error,omitempty"`
}

// Duration is EndedAt - StartedAt.
func (r Record) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}

// Store persists session records.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Save inserts or replaces the record keyed by its SessionID.
	Save(ctx context.Context, r Record) error

	// List returns the most recent records, newest first. An empty roomID
	// lists every room. limit <= 0 selects [DefaultListLimit].
	List(ctx context.Context, roomID string, limit int) ([]Record, error)

	// Get returns the record for sessionID or [ErrNotFound].
	Get(ctx context.Context, sessionID string) (Record, error)
}
