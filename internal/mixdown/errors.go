package mixdown

import (
	"errors"
	"fmt"
)

// ErrNoAudioCaptured is returned when no input file survives validation.
// No transcoder is invoked in that case.
var ErrNoAudioCaptured = errors.New("mixdown: no audio captured")

// Stage is a step of the mixdown state machine.
type Stage int

const (
	StageIdle Stage = iota
	StageConverting
	StageMixing
	StageTranscoding
	StageComplete
	StageFailed
)

// String returns the lower-case stage name.
func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageConverting:
		return "converting"
	case StageMixing:
		return "mixing"
	case StageTranscoding:
		return "transcoding"
	case StageComplete:
		return "complete"
	case StageFailed:
		return "failed"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// ValidationError reports an input file that cannot be mixed.
type ValidationError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("mixdown: invalid input %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("mixdown: invalid input %s: %s", e.Path, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// MixdownError reports a failure while producing the artifact. Output holds
// the external tool's combined output when the failure came from it.
type MixdownError struct {
	Stage  Stage
	Output string
	Err    error
}

func (e *MixdownError) Error() string {
	msg := fmt.Sprintf("mixdown: %s: %v", e.Stage, e.Err)
	if e.Output != "" {
		msg += ": " + e.Output
	}
	return msg
}

func (e *MixdownError) Unwrap() error { return e.Err }
