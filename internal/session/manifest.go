package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/MrWong99/chorus/internal/mixdown"
	"github.com/MrWong99/chorus/internal/segment"
)

// ManifestName is the file written into every session directory on stop.
const ManifestName = "segments.json"

// Manifest is the on-disk description of a stopped session: enough to list
// its segments and rebuild its outputs offline.
type Manifest struct {
	SessionID    string            `json:"session_id"`
	RoomID       string            `json:"room_id"`
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
	Participants []Participant     `json:"participants"`
	Segments     []segment.Segment `json:"segments"`
	Files        []CapturedFile    `json:"files"`
	Artifact     string            `json:"artifact,omitempty"`
	Timeline     string            `json:"timeline,omitempty"`
	MixdownError string            `json:"mixdown_error,omitempty"`
}

// NewManifest builds the manifest for res. Paths are stored relative to the
// session directory so the directory can be moved.
func NewManifest(res StopResult) Manifest {
	m := Manifest{
		SessionID:    res.SessionID,
		RoomID:       res.RoomID,
		StartedAt:    res.StartedAt,
		EndedAt:      res.EndedAt,
		Participants: res.Participants,
		Segments:     res.Segments,
		Files:        make([]CapturedFile, 0, len(res.Files)),
	}
	for _, f := range res.Files {
		f.Path = relTo(res.Dir, f.Path)
		m.Files = append(m.Files, f)
	}
	if res.Artifact != nil {
		m.Artifact = relTo(res.Dir, res.Artifact.Path)
	}
	if res.Timeline != nil {
		m.Timeline = relTo(res.Dir, res.Timeline.Path)
	}
	if res.MixdownErr != nil {
		m.MixdownError = res.MixdownErr.Error()
	}
	return m
}

func relTo(dir, path string) string {
	if rel, err := filepath.Rel(dir, path); err == nil {
		return rel
	}
	return path
}

// WriteManifest writes m to dir/segments.json atomically.
func WriteManifest(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("session: marshal manifest: %w", err)
	}
	tmp := filepath.Join(dir, ManifestName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("session: write manifest: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, ManifestName)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session: write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads dir/segments.json. Relative file paths are resolved
// against dir.
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		return Manifest{}, fmt.Errorf("session: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("session: parse manifest: %w", err)
	}
	for i := range m.Files {
		if !filepath.IsAbs(m.Files[i].Path) {
			m.Files[i].Path = filepath.Join(dir, m.Files[i].Path)
		}
	}
	return m, nil
}

// TimelineInput returns what [mixdown.Pipeline.Timeline] needs to rebuild
// the session's timeline track.
func (m Manifest) TimelineInput(minGap time.Duration) mixdown.TimelineInput {
	return mixdown.TimelineInput{
		SessionStart: m.StartedAt,
		Segments:     m.Segments,
		Sources:      sources(m.Files),
		MinGap:       minGap,
	}
}

// Paths returns the capture file paths in manifest order.
func (m Manifest) Paths() []string {
	out := make([]string, len(m.Files))
	for i, f := range m.Files {
		out[i] = f.Path
	}
	return out
}
