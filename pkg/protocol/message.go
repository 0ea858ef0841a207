// Package protocol defines the JSON messages exchanged with observers and
// remote controllers.
//
// Observers receive flat Event objects on /ws/events. Remote controllers
// exchange Message envelopes on /ws/control.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// EventType identifies an observer event.
type EventType string

const (
	TypeStateEvent  EventType = "state"  // Session state changed
	TypeAudioEvent  EventType = "audio"  // Synthesized reply audio is available
	TypeNoticeEvent EventType = "notice" // Something the user should be told
	TypeTurnEvent   EventType = "turn"   // A turn was persisted
)

// State is the coarse session state shown to observers.
type State string

const (
	StateIdle       State = "idle"
	StateListening  State = "listening"
	StateProcessing State = "processing"
	StateSpeaking   State = "speaking"
)

// Valid reports whether s is one of the four observer states.
func (s State) Valid() bool {
	switch s {
	case StateIdle, StateListening, StateProcessing, StateSpeaking:
		return true
	}
	return false
}

// Notice is a short machine-readable notice code.
type Notice string

const (
	NoticeNothingCaptured     Notice = "nothing_captured"
	NoticeTranscriptionFailed Notice = "transcription_failed"
	NoticePersistFailed       Notice = "persist_failed"
)

// Event is a single observer event. Only the field matching Type is set.
type Event struct {
	Type      EventType `json:"type"`
	State     State     `json:"state,omitempty"`
	Reference string    `json:"reference,omitempty"`
	Notice    Notice    `json:"notice,omitempty"`
	TurnID    string    `json:"turnId,omitempty"`
	Timestamp int64     `json:"ts,omitempty"` // Unix milliseconds
}

// NewStateEvent creates a state event.
func NewStateEvent(s State) Event {
	return Event{Type: TypeStateEvent, State: s, Timestamp: time.Now().UnixMilli()}
}

// NewAudioEvent creates an audio event carrying an opaque reference.
func NewAudioEvent(reference string) Event {
	return Event{Type: TypeAudioEvent, Reference: reference, Timestamp: time.Now().UnixMilli()}
}

// NewNoticeEvent creates a notice event.
func NewNoticeEvent(n Notice) Event {
	return Event{Type: TypeNoticeEvent, Notice: n, Timestamp: time.Now().UnixMilli()}
}

// NewTurnEvent creates a turn event for a persisted turn id.
func NewTurnEvent(turnID string) Event {
	return Event{Type: TypeTurnEvent, TurnID: turnID, Timestamp: time.Now().UnixMilli()}
}

// Known reports whether the event is a well-formed event of a known type.
// Listeners ignore everything else.
func (e Event) Known() bool {
	switch e.Type {
	case TypeStateEvent:
		return e.State.Valid()
	case TypeAudioEvent:
		return e.Reference != ""
	case TypeNoticeEvent:
		return e.Notice != ""
	case TypeTurnEvent:
		return e.TurnID != ""
	}
	return false
}

// Bytes returns the JSON encoding of the event.
func (e Event) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// ErrNoType is returned for JSON objects without a type tag.
var ErrNoType = errors.New("protocol: missing type")

// ParseEvent decodes an event. Unknown types decode without error and
// report Known() == false.
func ParseEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("failed to parse event: %w", err)
	}
	if e.Type == "" {
		return Event{}, ErrNoType
	}
	return e, nil
}

// MessageType identifies a control message.
type MessageType string

const (
	// Controller → companion
	TypeWake MessageType = "wake" // Start a turn
	TypeStop MessageType = "stop" // Abandon the turn in flight

	// Companion → controller
	TypeAck   MessageType = "ack"   // Command outcome
	TypeError MessageType = "error" // Malformed or unknown command

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the envelope for control messages.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"` // Echoed in the ack
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, data any) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into v.
func (m *Message) ParseData(v any) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON control message.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, ErrNoType
	}
	return &msg, nil
}

// AckData reports the outcome of a command.
type AckData struct {
	Command MessageType `json:"command"`
	OK      bool        `json:"ok"`
	State   State       `json:"state,omitempty"` // Session state after the command
	Error   string      `json:"error,omitempty"`
}

// ErrorData describes a rejected message.
type ErrorData struct {
	Message string `json:"message"`
}

// PingData contains ping information.
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains the pong response.
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
