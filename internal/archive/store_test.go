package archive_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/chorus/internal/archive"
	"github.com/MrWong99/chorus/internal/segment"
)

func sampleRecord(id, room string, started time.Time) archive.Record {
	return archive.Record{
		SessionID:    id,
		RoomID:       room,
		StartedAt:    started,
		EndedAt:      started.Add(90 * time.Second),
		Dir:          "/tmp/" + id,
		Participants: 2,
		Segments: []segment.Segment{
			{
				ParticipantID: "alice",
				DisplayName:   "Alice",
				Start:         started,
				End:           started.Add(2 * time.Second),
				Duration:      2 * time.Second,
				RelativeStart: 0,
				RelativeEnd:   2 * time.Second,
			},
		},
		Files: []archive.File{
			{ParticipantID: "alice", DisplayName: "Alice", Path: "/tmp/" + id + "/alice.pcm", Size: 192000},
		},
		Artifact: "/tmp/" + id + "/mix.mp3",
	}
}

// exerciseStore runs the behaviour every Store implementation must share.
func exerciseStore(t *testing.T, store archive.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

	for i, r := range []archive.Record{
		sampleRecord("s1", "room-a", base),
		sampleRecord("s2", "room-b", base.Add(time.Hour)),
		sampleRecord("s3", "room-a", base.Add(2*time.Hour)),
	} {
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RoomID != "room-a" || got.Duration() != 90*time.Second {
		t.Errorf("Get = room %q duration %s, want room-a 1m30s", got.RoomID, got.Duration())
	}
	if len(got.Segments) != 1 || got.Segments[0].Duration != 2*time.Second {
		t.Errorf("Get segments = %+v", got.Segments)
	}
	if len(got.Files) != 1 || got.Files[0].Size != 192000 {
		t.Errorf("Get files = %+v", got.Files)
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, archive.ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}

	all, err := store.List(ctx, "", 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 3 || all[0].SessionID != "s3" || all[2].SessionID != "s1" {
		t.Errorf("List(all) order = %v, want s3,s2,s1", ids(all))
	}

	roomA, err := store.List(ctx, "room-a", 1)
	if err != nil {
		t.Fatalf("List(room-a): %v", err)
	}
	if len(roomA) != 1 || roomA[0].SessionID != "s3" {
		t.Errorf("List(room-a, 1) = %v, want [s3]", ids(roomA))
	}

	// Save replaces by session id.
	upd := sampleRecord("s1", "room-a", base)
	upd.Artifact = ""
	upd.MixdownError = "mixdown: transcoding failed"
	if err := store.Save(ctx, upd); err != nil {
		t.Fatalf("Save(update): %v", err)
	}
	got, err = store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if got.Artifact != "" || got.MixdownError == "" {
		t.Errorf("update not applied: %+v", got)
	}

	if err := store.Save(ctx, archive.Record{}); err == nil {
		t.Error("Save with empty session id should fail")
	}
}

func ids(rs []archive.Record) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.SessionID
	}
	return out
}

func TestMemStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, archive.NewMemStore())
}

func TestMemStore_SaveCopiesSlices(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := archive.NewMemStore()

	r := sampleRecord("s1", "room", time.Now())
	if err := store.Save(ctx, r); err != nil {
		t.Fatalf("Save: %v", err)
	}
	r.Files[0].Path = "mutated"

	got, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Files[0].Path == "mutated" {
		t.Error("stored record shares the caller's slice")
	}
}

func TestMemStore_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := archive.NewMemStore()
	if err := store.Save(ctx, sampleRecord("s1", "room", time.Now())); !errors.Is(err, context.Canceled) {
		t.Errorf("Save err = %v, want context.Canceled", err)
	}
	if _, err := store.List(ctx, "", 0); !errors.Is(err, context.Canceled) {
		t.Errorf("List err = %v, want context.Canceled", err)
	}
}
