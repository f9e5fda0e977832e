// Package audio defines the transport and codec capabilities the recorder
// consumes from a voice platform.
//
// The primary abstractions are:
//
//   - [Transport]: dials a voice room and returns a [Handle].
//   - [Handle]: reports connection lifecycle [Signal]s and, once ready,
//     exposes a [Receiver].
//   - [Receiver]: per-participant inbound audio subscriptions plus speaking
//     start/end notifications.
//   - [Decoder]: converts the platform's native packets into fixed-format PCM.
//
// Implementations are provided by platform adapter packages (e.g.
// audio/discord). This package lives under pkg/ because third-party adapters
// are expected to implement these interfaces.
package audio

import (
	"context"
	"time"
)

// Signal is a connection lifecycle notification emitted by a [Handle].
type Signal int

const (
	// SignalConnecting is emitted when the transport starts negotiating.
	SignalConnecting Signal = iota

	// SignalReady is emitted once inbound audio can be received.
	SignalReady

	// SignalDisconnected is emitted when the platform drops the connection.
	SignalDisconnected

	// SignalDestroyed is emitted when the connection is torn down for good
	// (join rejected, handle closed, channel deleted).
	SignalDestroyed
)

// String returns the human-readable name of the signal.
func (s Signal) String() string {
	switch s {
	case SignalConnecting:
		return "CONNECTING"
	case SignalReady:
		return "READY"
	case SignalDisconnected:
		return "DISCONNECTED"
	case SignalDestroyed:
		return "DESTROYED"
	default:
		return "UNKNOWN"
	}
}

// SpeakingKind distinguishes speaking start and end notifications.
type SpeakingKind int

const (
	// SpeakingStart marks the moment a participant began transmitting voice.
	SpeakingStart SpeakingKind = iota

	// SpeakingEnd marks the moment a participant stopped transmitting voice.
	SpeakingEnd
)

// String returns the human-readable name of the kind.
func (k SpeakingKind) String() string {
	switch k {
	case SpeakingStart:
		return "start"
	case SpeakingEnd:
		return "end"
	default:
		return "unknown"
	}
}

// SpeakingNotification is delivered by a [Receiver] whenever a participant
// starts or stops speaking.
type SpeakingNotification struct {
	// ParticipantID is the platform-specific user ID.
	ParticipantID string

	// Kind is start or end.
	Kind SpeakingKind

	// At is when the platform observed the change. Zero means "now"; the
	// consumer stamps the arrival time.
	At time.Time
}

// EndBehavior controls when an [InboundStream] reports end-of-stream.
type EndBehavior int

const (
	// EndManual keeps the stream open until [InboundStream.Close] is called.
	// Silence never ends the stream.
	EndManual EndBehavior = iota

	// EndAfterSilence closes the stream once no packet has arrived for
	// [SubscribeOptions.Silence].
	EndAfterSilence
)

// SubscribeOptions configures a [Receiver.Subscribe] call.
type SubscribeOptions struct {
	// End selects the end-of-stream policy. Recorders use [EndManual].
	End EndBehavior

	// Silence is the idle duration after which an [EndAfterSilence] stream
	// closes. Ignored for [EndManual].
	Silence time.Duration
}

// InboundStream delivers one participant's native audio packets in arrival
// order. The Packets channel is closed when the stream ends.
type InboundStream interface {
	// Packets returns the read-only packet channel.
	Packets() <-chan []byte

	// Close destroys the subscription. Safe to call more than once.
	Close() error
}

// Receiver is the inbound side of a ready [Handle].
//
// Implementations must be safe for concurrent use.
type Receiver interface {
	// Subscribe opens an inbound audio subscription for participantID.
	// Subscribing twice to the same participant returns an error.
	Subscribe(participantID string, opts SubscribeOptions) (InboundStream, error)

	// OnSpeaking registers cb as the speaking notification callback. Only one
	// callback may be registered; subsequent calls replace the previous one.
	// The callback is invoked on an internal goroutine and must not block.
	OnSpeaking(cb func(SpeakingNotification))
}

// Handle is a single connection attempt to a voice room.
//
// Implementations must be safe for concurrent use.
type Handle interface {
	// Signals returns the lifecycle signal channel. It is buffered and never
	// closed; consumers select on it alongside their own cancellation.
	Signals() <-chan Signal

	// Receiver returns the inbound capability. Only valid after
	// [SignalReady] has been observed.
	Receiver() Receiver

	// Close leaves the room and releases all resources. All open
	// [InboundStream]s are closed. Safe to call more than once.
	Close() error
}

// Transport dials voice rooms.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	// Connect starts joining roomID and returns immediately. Progress is
	// reported through [Handle.Signals]. ctx governs only the dial; the
	// handle lives until [Handle.Close].
	Connect(ctx context.Context, roomID string) (Handle, error)
}

// Decoder converts native inbound packets into interleaved little-endian
// 16-bit PCM in the [CaptureFormat].
//
// A Decoder carries per-stream state and must not be shared between
// participants.
type Decoder interface {
	// Decode decodes one packet.
	Decode(packet []byte) ([]byte, error)

	// Close releases decoder resources.
	Close() error
}

// DecoderFactory creates a fresh [Decoder] for one participant stream.
type DecoderFactory func() (Decoder, error)
