package protocol

import "time"

// =============================================================================
// Helper functions for creating control messages
// =============================================================================

// NewWakeMessage creates a wake command.
func NewWakeMessage(id string) *Message {
	return &Message{Type: TypeWake, ID: id, Timestamp: time.Now().UnixMilli()}
}

// NewStopMessage creates a stop command.
func NewStopMessage(id string) *Message {
	return &Message{Type: TypeStop, ID: id, Timestamp: time.Now().UnixMilli()}
}

// NewPingMessage creates a ping message.
func NewPingMessage(id string) (*Message, error) {
	msg, err := NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewPongMessage creates a pong response to a ping.
func NewPongMessage(ping *PingData) (*Message, error) {
	now := time.Now().UnixMilli()
	msg, err := NewMessage(TypePong, PongData{
		ID:        ping.ID,
		PingTS:    ping.Timestamp,
		PongTS:    now,
		LatencyMs: now - ping.Timestamp,
	})
	if err != nil {
		return nil, err
	}
	msg.ID = ping.ID
	return msg, nil
}

// NewAckMessage acknowledges a command. A nil cause means success.
func NewAckMessage(cmd *Message, state State, cause error) (*Message, error) {
	data := AckData{Command: cmd.Type, OK: cause == nil, State: state}
	if cause != nil {
		data.Error = cause.Error()
	}
	msg, err := NewMessage(TypeAck, data)
	if err != nil {
		return nil, err
	}
	msg.ID = cmd.ID
	return msg, nil
}

// NewErrorMessage reports a message that could not be handled.
func NewErrorMessage(id, text string) (*Message, error) {
	msg, err := NewMessage(TypeError, ErrorData{Message: text})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// =============================================================================
// Helper functions for extracting data from messages
// =============================================================================

// GetAckData extracts ack data from a message.
func (m *Message) GetAckData() (*AckData, error) {
	var data AckData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetErrorData extracts error data from a message.
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message.
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPongData extracts pong data from a message.
func (m *Message) GetPongData() (*PongData, error) {
	var data PongData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
