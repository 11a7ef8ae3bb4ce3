// Package protocol defines the wire format for the pairgate WebSocket protocol.
// This package is importable by device firmware clients and test harnesses.
package protocol

import "encoding/json"

// Protocol version. Clients must send this in the auth request.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Methods a device may invoke over the pairing socket.
const (
	MethodPairAuth = "pair.auth"
	MethodPing     = "pair.ping"
)

// Events pushed from server to device.
const (
	EventCredentials = "pair.credentials"
	EventParked      = "pair.parked"
)

// RequestFrame is sent by devices to invoke a method.
type RequestFrame struct {
	Type   string          `json:"type"`   // always "req"
	ID     string          `json:"id"`     // unique request ID (client-generated)
	Method string          `json:"method"` // method name
	Params json.RawMessage `json:"params,omitempty"`
}

// AuthParams is the payload of a pair.auth request.
type AuthParams struct {
	Version int    `json:"version"`
	Token   string `json:"token"` // pairing token identifier
}

// ResponseFrame is sent by the server in response to a request.
type ResponseFrame struct {
	Type    string      `json:"type"`              // always "res"
	ID      string      `json:"id"`                // matches request ID
	OK      bool        `json:"ok"`                // true if success
	Payload interface{} `json:"payload,omitempty"` // response data (when ok=true)
	Error   *ErrorShape `json:"error,omitempty"`   // error info (when ok=false)
}

// ErrorShape describes a protocol error.
type ErrorShape struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// EventFrame is pushed from server to device without a preceding request.
type EventFrame struct {
	Type    string      `json:"type"`  // always "event"
	Event   string      `json:"event"` // event name
	Payload interface{} `json:"payload,omitempty"`
}

// NewOKResponse creates a success response frame.
func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{
		Type:    FrameTypeResponse,
		ID:      id,
		OK:      true,
		Payload: payload,
	}
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(id string, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type: FrameTypeResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorShape{
			Code:    code,
			Message: message,
		},
	}
}

// NewRetryableError creates an error response carrying a retry hint.
func NewRetryableError(id string, code, message string, retryAfterMs int64) *ResponseFrame {
	return &ResponseFrame{
		Type: FrameTypeResponse,
		ID:   id,
		OK:   false,
		Error: &ErrorShape{
			Code:         code,
			Message:      message,
			Retryable:    true,
			RetryAfterMs: retryAfterMs,
		},
	}
}

// NewEvent creates an event frame.
func NewEvent(event string, payload interface{}) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		Payload: payload,
	}
}

// ParseFrameType extracts the frame type from raw JSON bytes.
func ParseFrameType(data []byte) (string, error) {
	var raw struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", err
	}
	return raw.Type, nil
}
