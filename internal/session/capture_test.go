package session

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/pkg/audio"
	audiomock "github.com/MrWong99/chorus/pkg/audio/mock"
)

func TestFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Participant
		want string
	}{
		{name: "plain", p: Participant{ID: "123", DisplayName: "Alice"}, want: "123-Alice.pcm"},
		{name: "spaces and symbols", p: Participant{ID: "42", DisplayName: "Dr. Who?"}, want: "42-Dr__Who_.pcm"},
		{name: "falls back to username", p: Participant{ID: "7", Username: "bob_99"}, want: "7-bob_99.pcm"},
		{name: "no name", p: Participant{ID: "8"}, want: "8-unknown.pcm"},
		{name: "path separators", p: Participant{ID: "../x", DisplayName: "a/b"}, want: "___x-a_b.pcm"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := FileName(tt.p); got != tt.want {
				t.Errorf("FileName = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSanitize_Truncates(t *testing.T) {
	t.Parallel()
	got := sanitize(strings.Repeat("x", 100))
	if len(got) != 48 {
		t.Errorf("len = %d, want 48", len(got))
	}
}

// waitDone fails the test if the pipeline does not exit in time.
func waitDone(t *testing.T, c *capture) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture pipeline did not exit")
	}
}

func TestCapture_WritesInOrder(t *testing.T) {
	t.Parallel()

	recv := audiomock.NewReceiver()
	var decoders []*audiomock.Decoder
	p := Participant{ID: "u1", DisplayName: "Alice"}

	c, err := startCapture(t.Context(), recv, audiomock.DecoderFactory(0, &decoders), t.TempDir(), p, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("startCapture: %v", err)
	}

	calls := recv.SubscribeCalls
	if len(calls) != 1 || calls[0].Options.End != audio.EndManual {
		t.Fatalf("SubscribeCalls = %+v, want one manual subscription", calls)
	}

	stream := recv.Stream("u1")
	stream.Push([]byte{1, 2, 3, 4})
	stream.Push([]byte{5, 6, 7, 8})
	if err := c.signal(); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitDone(t, c)

	data, err := os.ReadFile(c.path)
	if err != nil {
		t.Fatalf("read capture: %v", err)
	}
	if string(data) != string([]byte{1, 2, 3, 4, 5, 6, 7, 8}) {
		t.Errorf("file = %v, want packets in order", data)
	}
	if c.Err() != nil {
		t.Errorf("Err = %v, want nil", c.Err())
	}
	if decoders[0].Closes() != 1 {
		t.Errorf("decoder closed %d times, want 1", decoders[0].Closes())
	}

	f, ok := c.describe()
	if !ok || f.Size != 8 || f.ParticipantID != "u1" {
		t.Errorf("describe = %+v, %v", f, ok)
	}
	if len(f.Runs) != 1 || f.Runs[0].Offset != 0 {
		t.Errorf("runs = %+v, want one run at offset 0", f.Runs)
	}
}

func TestCapture_DecodeFailureStopsOnlyThisPipeline(t *testing.T) {
	t.Parallel()

	recv := audiomock.NewReceiver()
	factory := audiomock.DecoderFactory(0xFF, nil)
	dir := t.TempDir()
	m := observe.DefaultMetrics()

	bad, err := startCapture(t.Context(), recv, factory, dir, Participant{ID: "bad", DisplayName: "Bad"}, m)
	if err != nil {
		t.Fatalf("startCapture(bad): %v", err)
	}
	good, err := startCapture(t.Context(), recv, factory, dir, Participant{ID: "good", DisplayName: "Good"}, m)
	if err != nil {
		t.Fatalf("startCapture(good): %v", err)
	}

	recv.Stream("bad").Push([]byte{0xFF, 0})
	waitDone(t, bad)

	var ce *CaptureError
	if !errors.As(bad.Err(), &ce) || ce.Stage != StageDecode || ce.ParticipantID != "bad" {
		t.Fatalf("bad.Err = %v, want decode CaptureError", bad.Err())
	}
	if _, ok := bad.describe(); ok {
		t.Error("failed pipeline with no audio should not be described")
	}

	recv.Stream("good").Push([]byte{1, 2})
	_ = good.signal()
	waitDone(t, good)
	if good.Err() != nil {
		t.Errorf("good.Err = %v, want nil", good.Err())
	}
	if f, ok := good.describe(); !ok || f.Size != 2 {
		t.Errorf("good describe = %+v, %v", f, ok)
	}

	// Signalling an already failed pipeline is harmless.
	if err := bad.signal(); err != nil {
		t.Errorf("signal after failure: %v", err)
	}
}

func TestCapture_SubscribeError(t *testing.T) {
	t.Parallel()

	recv := audiomock.NewReceiver()
	recv.SubscribeErrors = map[string]error{"u1": errors.New("no such user")}

	_, err := startCapture(t.Context(), recv, audiomock.DecoderFactory(0, nil), t.TempDir(), Participant{ID: "u1"}, observe.DefaultMetrics())
	var ce *CaptureError
	if !errors.As(err, &ce) || ce.Stage != StageSubscribe {
		t.Fatalf("err = %v, want subscribe CaptureError", err)
	}
}

func TestCapture_ContextCancelExits(t *testing.T) {
	t.Parallel()

	recv := audiomock.NewReceiver()
	ctx, cancel := context.WithCancel(t.Context())
	c, err := startCapture(ctx, recv, audiomock.DecoderFactory(0, nil), t.TempDir(), Participant{ID: "u1"}, observe.DefaultMetrics())
	if err != nil {
		t.Fatalf("startCapture: %v", err)
	}
	cancel()
	waitDone(t, c)
}
