package session

import (
	"errors"

	"github.com/teslashibe/go-companion/pkg/protocol"
)

// Common errors returned by the controller and service.
var (
	ErrBusy           = errors.New("session: a turn is already in flight")
	ErrCancelled      = errors.New("session: turn cancelled")
	ErrNotRunning     = errors.New("session: not running")
	ErrAlreadyRunning = errors.New("session: already running")
	ErrMissing        = errors.New("session: missing required collaborator")
)

// State is the controller's internal turn state.
type State int

const (
	StateIdle State = iota
	StateListening
	StateTranscribing
	StateGenerating
	StateSpeaking
)

var stateNames = [...]string{"idle", "listening", "transcribing", "generating", "speaking"}

// String implements fmt.Stringer.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Observer maps the internal state to the coarse state shown to
// observers. Transcribing and Generating are both "processing".
func (s State) Observer() protocol.State {
	switch s {
	case StateListening:
		return protocol.StateListening
	case StateTranscribing, StateGenerating:
		return protocol.StateProcessing
	case StateSpeaking:
		return protocol.StateSpeaking
	default:
		return protocol.StateIdle
	}
}

// MarshalText encodes the state name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
