package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/chorus/internal/archive"
	"github.com/MrWong99/chorus/internal/mixdown"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/internal/segment"
	"github.com/MrWong99/chorus/pkg/audio"
)

const (
	// DefaultFlushGrace is how long stop waits for pipelines to drain.
	DefaultFlushGrace = 100 * time.Millisecond
	// DefaultArchiveTimeout bounds the archive write at the end of stop.
	DefaultArchiveTimeout = 5 * time.Second
)

// PostProcessConfig controls what happens after capture teardown.
type PostProcessConfig struct {
	// Mixdown enables the mixdown artifact.
	Mixdown bool
	// Timeline additionally builds the mono timeline track.
	Timeline bool
	// TimelineMinGap is the smallest gap rendered as silence.
	TimelineMinGap time.Duration
}

// Config holds the tunables of a [Registry].
type Config struct {
	// Dir is the root under which each session gets its scratch directory.
	Dir string
	// Connect bounds voice connection establishment.
	Connect ConnectConfig
	// FlushGrace bounds the post-stop drain. Defaults to 100ms.
	FlushGrace time.Duration
	// ArchiveTimeout bounds the archive write. Defaults to 5s.
	ArchiveTimeout time.Duration
	// Segments configures consolidation.
	Segments segment.Config
	// PostProcess configures mixdown and timeline output.
	PostProcess PostProcessConfig
}

// Deps are the collaborators a [Registry] needs. Transport and Decoders are
// required; the rest are optional.
type Deps struct {
	Transport audio.Transport
	Decoders  audio.DecoderFactory
	// Pipeline runs mixdown and timeline output. Nil disables both.
	Pipeline *mixdown.Pipeline
	// Archive receives a record of every stopped session. Nil disables it.
	Archive archive.Store
	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Registry owns every live session and is the single arbiter of the
// one-session-per-room rule. Start and Stop for the same room are mutually
// exclusive: a room is reserved while its session connects or tears down.
//
// All methods are safe for concurrent use.
type Registry struct {
	transport audio.Transport
	decoders  audio.DecoderFactory
	pipeline  *mixdown.Pipeline
	archive   archive.Store
	metrics   *observe.Metrics

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*Session
	busy     map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(d Deps, cfg Config) *Registry {
	if d.Metrics == nil {
		d.Metrics = observe.DefaultMetrics()
	}
	if cfg.FlushGrace <= 0 {
		cfg.FlushGrace = DefaultFlushGrace
	}
	if cfg.ArchiveTimeout <= 0 {
		cfg.ArchiveTimeout = DefaultArchiveTimeout
	}
	if cfg.Dir == "" {
		cfg.Dir = "recordings"
	}
	return &Registry{
		transport: d.Transport,
		decoders:  d.Decoders,
		pipeline:  d.Pipeline,
		archive:   d.Archive,
		metrics:   d.Metrics,
		cfg:       cfg,
		sessions:  make(map[string]*Session),
		busy:      make(map[string]struct{}),
	}
}

// SetSegmentConfig replaces the consolidation thresholds. Takes effect from
// the next stop.
func (r *Registry) SetSegmentConfig(c segment.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.Segments = c
}

// SetPostProcessConfig replaces the post-processing settings. Takes effect
// from the next stop.
func (r *Registry) SetPostProcessConfig(c PostProcessConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.PostProcess = c
}

// reserve claims roomID for a start or stop in progress.
func (r *Registry) reserve(roomID string) bool {
	if _, ok := r.sessions[roomID]; ok {
		return false
	}
	if _, ok := r.busy[roomID]; ok {
		return false
	}
	r.busy[roomID] = struct{}{}
	return true
}

func (r *Registry) release(roomID string) {
	r.mu.Lock()
	delete(r.busy, roomID)
	r.mu.Unlock()
}

// Start connects to roomID and begins capturing every non-bot participant.
// It returns [ErrAlreadyActive] without side effects when the room already has
// a session, and a *[ConnectionError] when the connection could not be
// established. A participant whose pipeline cannot be set up is logged and
// left out; that never fails the session.
func (r *Registry) Start(ctx context.Context, roomID string, participants []Participant) (info Info, err error) {
	r.mu.Lock()
	if !r.reserve(roomID) {
		r.mu.Unlock()
		return Info{}, fmt.Errorf("%w: room %s", ErrAlreadyActive, roomID)
	}
	cfg := r.cfg
	r.mu.Unlock()

	ctx, span := observe.StartSpan(ctx, "session.start", observe.RoomAttrs(roomID, ""))
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	registered := false
	defer func() {
		if !registered {
			r.release(roomID)
		}
	}()

	conn := NewConnectionManager(r.transport, roomID, cfg.Connect, r.metrics)
	recv, err := conn.Connect(ctx)
	if err != nil {
		_ = conn.Close()
		return Info{}, err
	}

	id := uuid.NewString()
	startedAt := time.Now()
	dir := filepath.Join(cfg.Dir, fmt.Sprintf("%s-%s-%s", sanitize(roomID), startedAt.UTC().Format("20060102T150405"), id[:8]))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		_ = conn.Close()
		return Info{}, fmt.Errorf("session: create scratch dir: %w", err)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:           id,
		RoomID:       roomID,
		StartedAt:    startedAt,
		Dir:          dir,
		participants: slices.Clone(participants),
		byID:         make(map[string]Participant, len(participants)),
		log:          segment.NewLog(256),
		conn:         conn,
		cancel:       cancel,
		metrics:      r.metrics,
		status:       StatusActive,
	}
	for _, p := range participants {
		s.byID[p.ID] = p
	}

	recv.OnSpeaking(s.track)
	conn.OnLost(s.markLost)

	for _, p := range participants {
		if p.Bot {
			continue
		}
		c, err := startCapture(sessCtx, recv, r.decoders, dir, p, r.metrics)
		if err != nil {
			var ce *CaptureError
			stage := string(StageSubscribe)
			if errors.As(err, &ce) {
				stage = string(ce.Stage)
			}
			log.Warn("session: participant capture not started",
				"room_id", roomID,
				"participant_id", p.ID,
				"stage", stage,
				"err", err,
			)
			r.metrics.RecordCaptureError(ctx, stage)
			continue
		}
		s.captures = append(s.captures, c)
	}

	r.mu.Lock()
	delete(r.busy, roomID)
	r.sessions[roomID] = s
	registered = true
	r.mu.Unlock()

	r.metrics.ActiveSessions.Add(ctx, 1)
	span.SetAttributes(observe.Attr("session_id", id))
	log.Info("session: started",
		"room_id", roomID,
		"session_id", id,
		"participants", len(participants),
		"capturing", len(s.captures),
		"dir", dir,
	)
	return s.info(), nil
}

// Stop ends the session for roomID and returns what it produced. It returns
// [ErrNotFound] when the room has no session; every other problem is carried
// in the result or logged. The session is removed from the registry no matter
// what happens during teardown or post-processing.
//
// Mixdown runs after teardown on a context that ignores cancellation of ctx.
func (r *Registry) Stop(ctx context.Context, roomID string) (res StopResult, err error) {
	r.mu.Lock()
	s, ok := r.sessions[roomID]
	if !ok {
		r.mu.Unlock()
		return StopResult{}, fmt.Errorf("%w: room %s", ErrNotFound, roomID)
	}
	delete(r.sessions, roomID)
	r.busy[roomID] = struct{}{}
	cfg := r.cfg
	r.mu.Unlock()
	defer r.release(roomID)

	ctx, span := observe.StartSpan(ctx, "session.stop", observe.RoomAttrs(roomID, s.ID))
	defer func() { observe.EndSpan(span, err) }()
	log := observe.Logger(ctx)

	r.metrics.ActiveSessions.Add(ctx, -1)
	s.setStatus(StatusStopping)
	endedAt := time.Now()

	if err := s.teardown(cfg.FlushGrace); err != nil {
		log.Warn("session: teardown errors", "room_id", roomID, "session_id", s.ID, "err", err)
	}
	s.setStatus(StatusClosed)

	res = StopResult{
		SessionID:    s.ID,
		RoomID:       roomID,
		StartedAt:    s.StartedAt,
		EndedAt:      endedAt,
		Duration:     endedAt.Sub(s.StartedAt),
		Dir:          s.Dir,
		Participants: s.Participants(),
		Segments:     segment.Consolidate(s.Events(), s.StartedAt, s.names(), cfg.Segments),
		Files:        []CapturedFile{},
	}
	r.metrics.SegmentsEmitted.Add(ctx, int64(len(res.Segments)))

	for _, c := range s.captures {
		if f, ok := c.describe(); ok {
			res.Files = append(res.Files, f)
		}
	}

	if cfg.PostProcess.Mixdown && r.pipeline != nil {
		r.postProcess(context.WithoutCancel(ctx), &res, cfg.PostProcess)
	}

	if err := WriteManifest(s.Dir, NewManifest(res)); err != nil {
		log.Warn("session: write manifest failed", "session_id", s.ID, "err", err)
	}
	if r.archive != nil {
		actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ArchiveTimeout)
		if err := r.archive.Save(actx, res.Record()); err != nil {
			log.Warn("session: archive failed", "session_id", s.ID, "err", err)
		}
		cancel()
	}

	log.Info("session: stopped",
		"room_id", roomID,
		"session_id", s.ID,
		"duration", res.Duration,
		"segments", len(res.Segments),
		"files", len(res.Files),
	)
	return res, nil
}

// postProcess runs mixdown and, when enabled, the timeline track. Failures
// are attached to res.
func (r *Registry) postProcess(ctx context.Context, res *StopResult, cfg PostProcessConfig) {
	log := observe.Logger(ctx)
	ext := r.pipeline.EncodeOptions().Format

	paths := make([]string, 0, len(res.Files))
	for _, f := range res.Files {
		paths = append(paths, f.Path)
	}
	art, err := r.pipeline.Run(ctx, paths, filepath.Join(res.Dir, "mixdown."+ext))
	if err != nil {
		res.MixdownErr = err
		log.Warn("session: mixdown failed, raw files kept",
			"session_id", res.SessionID,
			"files", len(res.Files),
			"err", err,
		)
	} else {
		res.Artifact = &art
	}

	if !cfg.Timeline || len(res.Segments) == 0 {
		return
	}
	in := mixdown.TimelineInput{
		SessionStart: res.StartedAt,
		Segments:     res.Segments,
		Sources:      sources(res.Files),
		MinGap:       cfg.TimelineMinGap,
	}
	tl, err := r.pipeline.Timeline(ctx, in, filepath.Join(res.Dir, "timeline."+ext))
	if err != nil {
		res.TimelineErr = err
		log.Warn("session: timeline failed", "session_id", res.SessionID, "err", err)
		return
	}
	res.Timeline = &tl
}

func sources(files []CapturedFile) map[string]mixdown.Source {
	m := make(map[string]mixdown.Source, len(files))
	for _, f := range files {
		m[f.ParticipantID] = mixdown.Source{ParticipantID: f.ParticipantID, Path: f.Path, Runs: f.Runs}
	}
	return m
}

// Active returns a snapshot of every live session, ordered by start time.
func (r *Registry) Active() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

// Get returns the live session info for roomID.
func (r *Registry) Get(roomID string) (Info, bool) {
	r.mu.Lock()
	s, ok := r.sessions[roomID]
	r.mu.Unlock()
	if !ok {
		return Info{}, false
	}
	return s.info(), true
}

// StopAll stops every live session. Used on shutdown.
func (r *Registry) StopAll(ctx context.Context) []StopResult {
	r.mu.Lock()
	rooms := make([]string, 0, len(r.sessions))
	for room := range r.sessions {
		rooms = append(rooms, room)
	}
	r.mu.Unlock()

	var out []StopResult
	for _, room := range rooms {
		res, err := r.Stop(ctx, room)
		if err != nil {
			// Stopped concurrently.
			continue
		}
		out = append(out, res)
	}
	return out
}

// Record converts the result into its archive form.
func (res StopResult) Record() archive.Record {
	rec := archive.Record{
		SessionID:    res.SessionID,
		RoomID:       res.RoomID,
		StartedAt:    res.StartedAt,
		EndedAt:      res.EndedAt,
		Dir:          res.Dir,
		Participants: len(res.Participants),
		Segments:     res.Segments,
		Files:        make([]archive.File, 0, len(res.Files)),
	}
	for _, f := range res.Files {
		rec.Files = append(rec.Files, archive.File{
			ParticipantID: f.ParticipantID,
			DisplayName:   f.DisplayName,
			Path:          f.Path,
			Size:          f.Size,
		})
	}
	if res.Artifact != nil {
		rec.Artifact = res.Artifact.Path
	}
	if res.Timeline != nil {
		rec.Timeline = res.Timeline.Path
	}
	if res.MixdownErr != nil {
		rec.MixdownError = res.MixdownErr.Error()
	}
	return rec
}
