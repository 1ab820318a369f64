// Package protocol defines the WebSocket messages exchanged between the
// server, observers and the driver. Every direction is a closed set of
// kinds: frames with an unknown type or a payload that does not satisfy the
// kind's constraints are rejected when decoded.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Kind string

// Observer → server.
const (
	KindRegister    Kind = "register"
	KindSendMessage Kind = "send_message"
	KindClear       Kind = "clear"
	KindPingTest    Kind = "ping_test"
)

// Server → observer.
const (
	KindRegistered    Kind = "registered"
	KindHistory       Kind = "history"
	KindMessageAdded  Kind = "message_added"
	KindStreamStart   Kind = "stream_start"
	KindStreamChunk   Kind = "stream_chunk"
	KindToolCall      Kind = "tool_call"
	KindToolExecuting Kind = "tool_executing"
	KindToolResult    Kind = "tool_result"
	KindToolProgress  Kind = "tool_progress"
	KindStreamEnd     Kind = "stream_end"
	KindError         Kind = "error"
	KindDriverStatus  Kind = "driver_status"
	KindCleared       Kind = "cleared"
	KindPong          Kind = "pong"
)

// Driver → server. tool_result, tool_progress and pong share their names
// with the observer-bound kinds; the direction disambiguates them.
const (
	KindRegisterDriver     Kind = "register_driver"
	KindAIStreamChunk      Kind = "ai_stream_chunk"
	KindAIToolCall         Kind = "ai_tool_call"
	KindAIToolExecuting    Kind = "ai_tool_executing"
	KindAIToolResult       Kind = "ai_tool_result"
	KindAIToolProgress     Kind = "ai_tool_progress"
	KindAIResponseComplete Kind = "ai_response_complete"
	KindAIResponseError    Kind = "ai_response_error"
)

// Server → driver.
const (
	KindDriverRegistered Kind = "driver_registered"
	KindExecuteTool      Kind = "execute_tool"
	KindProcessAIMessage Kind = "process_ai_message"
	KindPing             Kind = "ping"
)

var (
	ErrUnknownKind = errors.New("unknown message kind")
	ErrMalformed   = errors.New("malformed message")
)

// Envelope is the frame layout on the wire.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is implemented by every payload type.
type Message interface {
	Kind() Kind
}

type validator interface {
	validate() error
}

// Encode wraps msg in an envelope.
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", msg.Kind(), err)
	}
	return json.Marshal(Envelope{Type: msg.Kind(), Payload: payload})
}

// PeekKind returns the type of a frame without decoding its payload.
func PeekKind(data []byte) (Kind, error) {
	env, err := decodeEnvelope(data)
	if err != nil {
		return "", err
	}
	return env.Type, nil
}

func decodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

func decode[T Message](data []byte, kinds map[Kind]func() T) (T, error) {
	var zero T
	env, err := decodeEnvelope(data)
	if err != nil {
		return zero, err
	}
	ctor, ok := kinds[env.Type]
	if !ok {
		return zero, fmt.Errorf("%w: %q", ErrUnknownKind, env.Type)
	}
	msg := ctor()
	if len(env.Payload) > 0 && string(env.Payload) != "null" {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return zero, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}
	if v, ok := any(msg).(validator); ok {
		if err := v.validate(); err != nil {
			return zero, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}
	return msg, nil
}

func requireField(name, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}
