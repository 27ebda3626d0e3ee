// Package websocket defines the wire protocol of the event gateway: a single
// JSON envelope for requests, responses, push notifications, and errors.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the envelope variants.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope every frame carries. ID correlates a response with
// its request; notifications have no ID.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of MessageTypeError frames.
type ErrorPayload struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func newMessage(id string, kind MessageType, action string, payload interface{}) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		ID:        id,
		Type:      kind,
		Action:    action,
		Payload:   data,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewResponse builds a response frame correlated to the request id.
func NewResponse(id, action string, payload interface{}) (*Message, error) {
	return newMessage(id, MessageTypeResponse, action, payload)
}

// NewNotification builds an uncorrelated server push frame.
func NewNotification(action string, payload interface{}) (*Message, error) {
	return newMessage("", MessageTypeNotification, action, payload)
}

// NewError builds an error frame for the given request id and action.
func NewError(id, action, code, message string, details map[string]interface{}) (*Message, error) {
	return newMessage(id, MessageTypeError, action, ErrorPayload{
		Code:    code,
		Message: message,
		Details: details,
	})
}

// ParsePayload unmarshals the payload into v; a nil payload is a no-op.
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
