package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Control message types. These are consumed by the bridge itself and never relayed.
const (
	TypeHeartbeat    = "heartbeat"
	TypePong         = "pong"
	TypeJoin         = "extension_join"
	TypeStateRequest = "request_current_state"
)

// Types the leader sends directly to a single connection.
const (
	TypeCurrentState = "current_editor_state"
	TypeError        = "error"
)

// DefaultStateTypes lists the payload types whose data represents the latest editor state.
var DefaultStateTypes = []string{
	"selectionChanged",
	"selectionCleared",
	"cursorPositionChanged",
	"activeEditorChanged",
	"documentChanged",
	"fileSaved",
	"fileOpened",
}

// ErrMalformed is returned when a frame cannot be parsed as a message envelope.
var ErrMalformed = errors.New("malformed message")

// Message is the envelope carried in every text frame.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds an envelope, marshalling data as the payload.
func NewMessage(msgType string, data any) (Message, error) {
	if msgType == "" {
		return Message{}, fmt.Errorf("%w: empty type", ErrMalformed)
	}
	if data == nil {
		return Message{Type: msgType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	return Message{Type: msgType, Data: raw}, nil
}

// Decode parses a text frame. Frames without a type are rejected.
func Decode(frame []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// Encode renders the envelope as a text frame.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// IsControl reports whether the message is consumed internally rather than relayed.
func (m Message) IsControl() bool {
	return IsControlType(m.Type)
}

// DecodeData unmarshals the payload into v.
func (m Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformed, m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

// IsControlType reports whether msgType is one of the control types.
func IsControlType(msgType string) bool {
	switch msgType {
	case TypeHeartbeat, TypePong, TypeJoin, TypeStateRequest:
		return true
	default:
		return false
	}
}

// JoinPayload announces a follower instance to the leader.
type JoinPayload struct {
	InstanceID string    `json:"instanceId"`
	PID        int       `json:"pid"`
	Process    string    `json:"process,omitempty"`
	Hostname   string    `json:"hostname,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// HeartbeatPayload is sent by followers every heartbeat interval.
type HeartbeatPayload struct {
	Timestamp time.Time `json:"timestamp"`
	ClientPID int       `json:"clientPid"`
}

// PongPayload answers a heartbeat.
type PongPayload struct {
	Timestamp time.Time `json:"timestamp"`
	ServerPID int       `json:"serverPid"`
}

// StateRequestPayload asks the leader to replay the cached state.
type StateRequestPayload struct {
	InstanceID string    `json:"instanceId"`
	Timestamp  time.Time `json:"timestamp"`
}

// ErrorPayload reports a rejected frame back to its sender.
type ErrorPayload struct {
	Message string `json:"message"`
}

// InvalidFrame is the reply sent for frames that fail to parse.
func InvalidFrame() Message {
	return Message{Type: TypeError, Data: json.RawMessage(`{"message":"Invalid JSON format"}`)}
}
