// Package syncwire defines the WebSocket envelope and frame types spoken
// between mesh peers. Every frame is a JSON Message; sync payloads carry
// the replicated-document exchange described by the session layer.
package syncwire

import (
	"encoding/json"
	"time"
)

// MessageType represents the type of a wire message
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the base envelope for all wire messages
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload represents an error response payload
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// Step1 opens a sync session: the sender announces its room, protocol
// version, node id, and state vector. Both peers send one.
type Step1 struct {
	Room            string            `json:"room"`
	ProtocolVersion int               `json:"protocolVersion"`
	Node            string            `json:"node"`
	Vector          map[string]uint64 `json:"vector"`
}

// Step2 answers a Step1 with everything the requester is missing: either
// the ops past its vector, or a full snapshot when the responder's op log
// no longer reaches back that far. Exactly one of Ops and Snapshot is set.
type Step2 struct {
	Room     string          `json:"room"`
	Ops      json.RawMessage `json:"ops,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
}

// Update streams live ops after the handshake, in either direction.
type Update struct {
	Room string          `json:"room"`
	Ops  json.RawMessage `json:"ops"`
}

// NewRequest creates a new request message
func NewRequest(id, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeRequest,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse creates a new response message
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeResponse,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewNotification creates a new notification message
func NewNotification(action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      MessageTypeNotification,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewError creates a new error response message
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	payload := ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      MessageTypeError,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// ParsePayload parses the payload into the given struct
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
