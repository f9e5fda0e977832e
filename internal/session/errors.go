package session

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive is returned by [Registry.Start] when the room already
	// has a session (or one is still connecting).
	ErrAlreadyActive = errors.New("session: already active")

	// ErrNotFound is returned by [Registry.Stop] when the room has no session.
	ErrNotFound = errors.New("session: not found")
)

// ConnectionErrorKind classifies why a voice connection attempt failed.
type ConnectionErrorKind int

const (
	// KindTimeout means the connection did not become ready in time.
	KindTimeout ConnectionErrorKind = iota
	// KindDisconnected means the transport reported a disconnect while connecting.
	KindDisconnected
	// KindDestroyed means the transport tore the connection down.
	KindDestroyed
	// KindTransport means the transport refused to dial at all.
	KindTransport
	// KindCancelled means the caller's context ended first.
	KindCancelled
)

// String returns a lower-case name suitable for metrics attributes.
func (k ConnectionErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindDestroyed:
		return "destroyed"
	case KindTransport:
		return "transport"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ConnectionError reports a failed connection attempt.
type ConnectionError struct {
	RoomID  string
	Kind    ConnectionErrorKind
	Attempt int
	Err     error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("session: connect room %s: attempt %d: %s", e.RoomID, e.Attempt, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Retryable reports whether another attempt may succeed. Only timeouts are
// retried; an explicit disconnect or destroy is final.
func (e *ConnectionError) Retryable() bool {
	return e.Kind == KindTimeout
}

// CaptureStage names the step of a participant pipeline that failed.
type CaptureStage string

const (
	StageSubscribe CaptureStage = "subscribe"
	StageDecode    CaptureStage = "decode"
	StageWrite     CaptureStage = "write"
	StageClose     CaptureStage = "close"
)

// CaptureError reports a failure isolated to one participant's pipeline. It
// is logged and recorded, never propagated to the session.
type CaptureError struct {
	ParticipantID string
	Stage         CaptureStage
	Err           error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("session: capture %s: %s: %v", e.ParticipantID, e.Stage, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }
