package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/MrWong99/chorus/internal/mixdown"
	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/pkg/audio"
)

// Participant is a member of the room at session start. Immutable once
// recorded into a session.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username,omitempty"`
	Bot         bool   `json:"bot,omitempty"`
}

// CapturedFile describes a participant's raw PCM file after stop.
type CapturedFile struct {
	ParticipantID string        `json:"participant_id"`
	DisplayName   string        `json:"display_name"`
	Path          string        `json:"path"`
	Size          int64         `json:"size"`
	Runs          []mixdown.Run `json:"runs,omitempty"`
}

// FileName returns the deterministic capture file name for p.
func FileName(p Participant) string {
	name := sanitize(p.DisplayName)
	if name == "" {
		name = sanitize(p.Username)
	}
	if name == "" {
		name = "unknown"
	}
	return sanitize(p.ID) + "-" + name + ".pcm"
}

// sanitize keeps letters, digits, dash and underscore; everything else
// becomes an underscore. The result is capped at 48 runes.
func sanitize(s string) string {
	var b strings.Builder
	n := 0
	for _, r := range strings.TrimSpace(s) {
		if n == 48 {
			break
		}
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		n++
	}
	return b.String()
}

// capture is one participant's isolated subscribe → decode → write pipeline.
// The pipeline goroutine owns the decoder and the file and releases both on
// exit.
type capture struct {
	participant Participant
	path        string

	stream  audio.InboundStream
	decoder audio.Decoder
	file    *os.File
	index   *mixdown.RunIndex
	metrics *observe.Metrics

	written atomic.Int64
	done    chan struct{}

	mu  sync.Mutex
	err error

	signalOnce sync.Once
}

// startCapture opens the subscription, decoder and file for p and starts the
// pipeline goroutine. ctx is the session-scoped context; cancelling it makes
// the pipeline exit without draining.
func startCapture(ctx context.Context, recv audio.Receiver, newDecoder audio.DecoderFactory, dir string, p Participant, metrics *observe.Metrics) (*capture, error) {
	stream, err := recv.Subscribe(p.ID, audio.SubscribeOptions{End: audio.EndManual})
	if err != nil {
		return nil, &CaptureError{ParticipantID: p.ID, Stage: StageSubscribe, Err: err}
	}
	dec, err := newDecoder()
	if err != nil {
		_ = stream.Close()
		return nil, &CaptureError{ParticipantID: p.ID, Stage: StageSubscribe, Err: fmt.Errorf("create decoder: %w", err)}
	}
	path := filepath.Join(dir, FileName(p))
	f, err := os.Create(path)
	if err != nil {
		_ = stream.Close()
		_ = dec.Close()
		return nil, &CaptureError{ParticipantID: p.ID, Stage: StageWrite, Err: err}
	}

	c := &capture{
		participant: p,
		path:        path,
		stream:      stream,
		decoder:     dec,
		file:        f,
		index:       mixdown.NewRunIndex(0),
		metrics:     metrics,
		done:        make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func (c *capture) run(ctx context.Context) {
	bw := bufio.NewWriterSize(c.file, 32*1024)
	defer close(c.done)
	defer func() {
		var errs []error
		if err := bw.Flush(); err != nil {
			errs = append(errs, err)
		}
		if err := c.file.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.decoder.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			c.fail(StageClose, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-c.stream.Packets():
			if !ok {
				return
			}
			pcm, err := c.decoder.Decode(pkt)
			if err != nil {
				c.fail(StageDecode, err)
				_ = c.signal()
				return
			}
			if len(pcm) == 0 {
				continue
			}
			c.index.Observe(time.Now(), c.written.Load())
			n, err := bw.Write(pcm)
			c.written.Add(int64(n))
			if err != nil {
				c.fail(StageWrite, err)
				_ = c.signal()
				return
			}
			c.metrics.CaptureBytes.Add(ctx, int64(n))
		}
	}
}

// fail records the first pipeline error, logs and counts it.
func (c *capture) fail(stage CaptureStage, err error) {
	ce := &CaptureError{ParticipantID: c.participant.ID, Stage: stage, Err: err}
	c.mu.Lock()
	if c.err == nil {
		c.err = ce
	}
	c.mu.Unlock()
	slog.Warn("session: capture pipeline failed",
		"participant_id", c.participant.ID,
		"stage", string(stage),
		"err", err,
	)
	c.metrics.RecordCaptureError(context.Background(), string(stage))
}

// signal ends the subscription so the pipeline drains and exits. Safe to call
// on a pipeline that already failed.
func (c *capture) signal() error {
	var err error
	c.signalOnce.Do(func() {
		err = c.stream.Close()
	})
	return err
}

// Err returns the pipeline's first failure, if any.
func (c *capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// describe stats the output file after the pipeline exited.
func (c *capture) describe() (CapturedFile, bool) {
	st, err := os.Stat(c.path)
	if err != nil || st.Size() == 0 {
		return CapturedFile{}, false
	}
	return CapturedFile{
		ParticipantID: c.participant.ID,
		DisplayName:   c.participant.DisplayName,
		Path:          c.path,
		Size:          st.Size(),
		Runs:          c.index.Runs(),
	}, true
}
