// Package mock provides in-memory mock implementations of the [audio.Transport],
// [audio.Handle], [audio.Receiver], [audio.InboundStream] and [audio.Decoder]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	recv := mock.NewReceiver()
//	handle := mock.NewHandle(recv, audio.SignalReady)
//	transport := &mock.Transport{Handles: []*mock.Handle{handle}}
//	h, err := transport.Connect(ctx, "room-42")
package mock

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/chorus/pkg/audio"
)

// ─── Transport ────────────────────────────────────────────────────────────────

// ConnectCall records the arguments of a single [Transport.Connect] invocation.
type ConnectCall struct {
	// RoomID is the roomID argument passed to Connect.
	RoomID string
}

// Transport is a mock implementation of [audio.Transport]. Each Connect call
// pops the next entry from Handles; once Handles is exhausted the last handle
// is reused.
type Transport struct {
	mu sync.Mutex

	// Handles are returned by successive Connect calls.
	Handles []*Handle

	// ConnectError is returned by Connect when non-nil.
	ConnectError error

	// ConnectCalls records all Connect invocations.
	ConnectCalls []ConnectCall
}

// Connect implements [audio.Transport].
func (t *Transport) Connect(_ context.Context, roomID string) (audio.Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ConnectCalls = append(t.ConnectCalls, ConnectCall{RoomID: roomID})
	if t.ConnectError != nil {
		return nil, t.ConnectError
	}
	if len(t.Handles) == 0 {
		return nil, errors.New("mock transport: no handles configured")
	}
	idx := min(len(t.ConnectCalls)-1, len(t.Handles)-1)
	return t.Handles[idx], nil
}

// Calls returns the number of Connect invocations so far.
func (t *Transport) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ConnectCalls)
}

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle is a mock implementation of [audio.Handle].
type Handle struct {
	mu sync.Mutex

	signals  chan audio.Signal
	receiver *Receiver

	// CloseError is returned by Close.
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewHandle returns a Handle that has already queued the given signals.
func NewHandle(recv *Receiver, signals ...audio.Signal) *Handle {
	h := &Handle{
		signals:  make(chan audio.Signal, 16),
		receiver: recv,
	}
	for _, s := range signals {
		h.signals <- s
	}
	return h
}

// Emit queues a signal. Use this to simulate disconnects after ready.
func (h *Handle) Emit(s audio.Signal) {
	h.signals <- s
}

// Signals implements [audio.Handle].
func (h *Handle) Signals() <-chan audio.Signal {
	return h.signals
}

// Receiver implements [audio.Handle].
func (h *Handle) Receiver() audio.Receiver {
	return h.receiver
}

// Close implements [audio.Handle]. Closes all streams opened on the receiver.
func (h *Handle) Close() error {
	h.mu.Lock()
	h.CallCountClose++
	err := h.CloseError
	h.mu.Unlock()
	if h.receiver != nil {
		h.receiver.closeAll()
	}
	return err
}

// Closed returns how many times Close was called.
func (h *Handle) Closed() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.CallCountClose
}

// ─── Receiver ─────────────────────────────────────────────────────────────────

// SubscribeCall records the arguments of a single [Receiver.Subscribe] invocation.
type SubscribeCall struct {
	ParticipantID string
	Options       audio.SubscribeOptions
}

// Receiver is a mock implementation of [audio.Receiver].
type Receiver struct {
	mu sync.Mutex

	streams map[string]*InboundStream
	cb      func(audio.SpeakingNotification)

	// SubscribeErrors maps participant IDs to errors returned by Subscribe.
	SubscribeErrors map[string]error

	// SubscribeCalls records all Subscribe invocations.
	SubscribeCalls []SubscribeCall
}

// NewReceiver returns an empty Receiver.
func NewReceiver() *Receiver {
	return &Receiver{streams: make(map[string]*InboundStream)}
}

// Subscribe implements [audio.Receiver].
func (r *Receiver) Subscribe(participantID string, opts audio.SubscribeOptions) (audio.InboundStream, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SubscribeCalls = append(r.SubscribeCalls, SubscribeCall{ParticipantID: participantID, Options: opts})
	if err := r.SubscribeErrors[participantID]; err != nil {
		return nil, err
	}
	if _, ok := r.streams[participantID]; ok {
		return nil, fmt.Errorf("mock receiver: already subscribed to %q", participantID)
	}
	s := NewInboundStream()
	r.streams[participantID] = s
	return s, nil
}

// OnSpeaking implements [audio.Receiver].
func (r *Receiver) OnSpeaking(cb func(audio.SpeakingNotification)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cb = cb
}

// Stream returns the stream opened for participantID, or nil.
func (r *Receiver) Stream(participantID string) *InboundStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[participantID]
}

// EmitSpeaking synchronously delivers n to the registered callback.
func (r *Receiver) EmitSpeaking(n audio.SpeakingNotification) {
	r.mu.Lock()
	cb := r.cb
	r.mu.Unlock()
	if cb != nil {
		cb(n)
	}
}

func (r *Receiver) closeAll() {
	r.mu.Lock()
	streams := make([]*InboundStream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()
	for _, s := range streams {
		_ = s.Close()
	}
}

// ─── InboundStream ────────────────────────────────────────────────────────────

// InboundStream is a mock implementation of [audio.InboundStream]. Tests push
// packets with [InboundStream.Push].
type InboundStream struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewInboundStream returns an open stream with a generous buffer.
func NewInboundStream() *InboundStream {
	return &InboundStream{ch: make(chan []byte, 256)}
}

// Push delivers a packet. It reports false if the stream is already closed.
func (s *InboundStream) Push(pkt []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- pkt
	return true
}

// Packets implements [audio.InboundStream].
func (s *InboundStream) Packets() <-chan []byte {
	return s.ch
}

// Close implements [audio.InboundStream].
func (s *InboundStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Closes returns how many times Close was called.
func (s *InboundStream) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CallCountClose
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder is a mock [audio.Decoder] that returns packets unchanged unless the
// packet matches FailOn.
type Decoder struct {
	mu sync.Mutex

	// FailOn makes Decode return DecodeError for packets whose first byte
	// equals this value. Zero disables failure injection.
	FailOn byte

	// DecodeError is returned for packets matching FailOn.
	DecodeError error

	// CallCountDecode records how many times Decode was called.
	CallCountDecode int

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Decode implements [audio.Decoder].
func (d *Decoder) Decode(pkt []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountDecode++
	if d.FailOn != 0 && len(pkt) > 0 && pkt[0] == d.FailOn {
		err := d.DecodeError
		if err == nil {
			err = errors.New("mock decoder: corrupt packet")
		}
		return nil, err
	}
	out := make([]byte, len(pkt))
	copy(out, pkt)
	return out, nil
}

// Close implements [audio.Decoder].
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return nil
}

// Closes returns how many times Close was called.
func (d *Decoder) Closes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountClose
}

// DecoderFactory returns an [audio.DecoderFactory] that hands out fresh
// passthrough decoders and records them in out, if out is non-nil.
func DecoderFactory(failOn byte, out *[]*Decoder) audio.DecoderFactory {
	var mu sync.Mutex
	return func() (audio.Decoder, error) {
		d := &Decoder{FailOn: failOn}
		if out != nil {
			mu.Lock()
			*out = append(*out, d)
			mu.Unlock()
		}
		return d, nil
	}
}
