// Package websocket defines the JSON envelope spoken between streambridge
// and its UI clients, the action names and the request dispatcher.
package websocket

import (
	"encoding/json"
	"time"
)

// MessageType tells requests, their answers and pushed notifications apart.
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
)

// Message is the envelope of every frame. Responses and errors echo the
// request ID; notifications have none.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Action    string          `json:"action"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ErrorPayload is the payload of MessageTypeError.
type ErrorPayload struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func NewRequest(id, action string, payload any) (*Message, error) {
	return build(id, MessageTypeRequest, action, payload)
}

func NewResponse(id, action string, payload any) (*Message, error) {
	return build(id, MessageTypeResponse, action, payload)
}

func NewNotification(action string, payload any) (*Message, error) {
	return build("", MessageTypeNotification, action, payload)
}

func NewError(id, action, code, message string, details map[string]any) (*Message, error) {
	return build(id, MessageTypeError, action, ErrorPayload{Code: code, Message: message, Details: details})
}

func build(id string, typ MessageType, action string, payload any) (*Message, error) {
	msg := &Message{ID: id, Type: typ, Action: action, Timestamp: time.Now().UTC()}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	msg.Payload = data
	return msg, nil
}

// ParsePayload decodes the payload into v. A message without payload leaves
// v untouched.
func (m *Message) ParsePayload(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}
