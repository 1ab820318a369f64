package protocol

import (
	"encoding/json"
	"errors"
)

// DriverEvent is a frame sent by a driver connection.
type DriverEvent interface {
	Message
	driverEvent()
}

// Correlated is implemented by driver events that answer a dispatched
// request.
type Correlated interface {
	DriverEvent
	Correlation() string
}

// TabHint accepts a JSON string or number; browser extensions report tab
// ids as numbers.
type TabHint string

func (h *TabHint) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*h = TabHint(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*h = TabHint(n.String())
	return nil
}

type RegisterDriver struct {
	TabHint TabHint `json:"tabHint,omitempty"`
}

type DriverToolResult struct {
	CorrelationID string          `json:"correlationId"`
	Result        json.RawMessage `json:"result"`
}

type DriverToolProgress struct {
	CorrelationID string `json:"correlationId"`
	Name          string `json:"name"`
	Current       int    `json:"current"`
	Total         int    `json:"total"`
	URL           string `json:"url,omitempty"`
}

type DriverPong struct {
	CorrelationID string `json:"correlationId"`
}

type AIStreamChunk struct {
	CorrelationID string `json:"correlationId"`
	Chunk         string `json:"chunk"`
}

type AIToolCall struct {
	CorrelationID string          `json:"correlationId"`
	Name          string          `json:"name"`
	Args          json.RawMessage `json:"args,omitempty"`
}

type AIToolExecuting struct {
	CorrelationID string `json:"correlationId"`
	Name          string `json:"name"`
}

type AIToolResult struct {
	CorrelationID string `json:"correlationId"`
	Name          string `json:"name"`
	Success       bool   `json:"success"`
}

type AIToolProgress struct {
	CorrelationID string `json:"correlationId"`
	Name          string `json:"name"`
	Current       int    `json:"current"`
	Total         int    `json:"total"`
	URL           string `json:"url,omitempty"`
}

type AIResponseComplete struct {
	CorrelationID string `json:"correlationId"`
}

type AIResponseError struct {
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error"`
}

func (*RegisterDriver) Kind() Kind     { return KindRegisterDriver }
func (*DriverToolResult) Kind() Kind   { return KindToolResult }
func (*DriverToolProgress) Kind() Kind { return KindToolProgress }
func (*DriverPong) Kind() Kind         { return KindPong }
func (*AIStreamChunk) Kind() Kind      { return KindAIStreamChunk }
func (*AIToolCall) Kind() Kind         { return KindAIToolCall }
func (*AIToolExecuting) Kind() Kind    { return KindAIToolExecuting }
func (*AIToolResult) Kind() Kind       { return KindAIToolResult }
func (*AIToolProgress) Kind() Kind     { return KindAIToolProgress }
func (*AIResponseComplete) Kind() Kind { return KindAIResponseComplete }
func (*AIResponseError) Kind() Kind    { return KindAIResponseError }

func (*RegisterDriver) driverEvent()     {}
func (*DriverToolResult) driverEvent()   {}
func (*DriverToolProgress) driverEvent() {}
func (*DriverPong) driverEvent()         {}
func (*AIStreamChunk) driverEvent()      {}
func (*AIToolCall) driverEvent()         {}
func (*AIToolExecuting) driverEvent()    {}
func (*AIToolResult) driverEvent()       {}
func (*AIToolProgress) driverEvent()     {}
func (*AIResponseComplete) driverEvent() {}
func (*AIResponseError) driverEvent()    {}

func (m *DriverToolResult) Correlation() string   { return m.CorrelationID }
func (m *DriverToolProgress) Correlation() string { return m.CorrelationID }
func (m *DriverPong) Correlation() string         { return m.CorrelationID }
func (m *AIStreamChunk) Correlation() string      { return m.CorrelationID }
func (m *AIToolCall) Correlation() string         { return m.CorrelationID }
func (m *AIToolExecuting) Correlation() string    { return m.CorrelationID }
func (m *AIToolResult) Correlation() string       { return m.CorrelationID }
func (m *AIToolProgress) Correlation() string     { return m.CorrelationID }
func (m *AIResponseComplete) Correlation() string { return m.CorrelationID }
func (m *AIResponseError) Correlation() string    { return m.CorrelationID }

func (m *DriverToolResult) validate() error {
	if err := requireField("correlationId", m.CorrelationID); err != nil {
		return err
	}
	if len(m.Result) == 0 || string(m.Result) == "null" {
		m.Result = json.RawMessage(`{}`)
	}
	return nil
}

func (m *DriverToolProgress) validate() error { return requireField("correlationId", m.CorrelationID) }
func (m *DriverPong) validate() error         { return requireField("correlationId", m.CorrelationID) }
func (m *AIStreamChunk) validate() error      { return requireField("correlationId", m.CorrelationID) }
func (m *AIToolExecuting) validate() error    { return requireField("correlationId", m.CorrelationID) }
func (m *AIToolResult) validate() error       { return requireField("correlationId", m.CorrelationID) }
func (m *AIToolProgress) validate() error     { return requireField("correlationId", m.CorrelationID) }
func (m *AIResponseComplete) validate() error { return requireField("correlationId", m.CorrelationID) }

func (m *AIToolCall) validate() error {
	if err := requireField("correlationId", m.CorrelationID); err != nil {
		return err
	}
	return requireField("name", m.Name)
}

func (m *AIResponseError) validate() error {
	if err := requireField("correlationId", m.CorrelationID); err != nil {
		return err
	}
	if m.Error == "" {
		m.Error = "Unknown error"
	}
	return nil
}

var driverKinds = map[Kind]func() DriverEvent{
	KindRegisterDriver:     func() DriverEvent { return &RegisterDriver{} },
	KindToolResult:         func() DriverEvent { return &DriverToolResult{} },
	KindToolProgress:       func() DriverEvent { return &DriverToolProgress{} },
	KindPong:               func() DriverEvent { return &DriverPong{} },
	KindAIStreamChunk:      func() DriverEvent { return &AIStreamChunk{} },
	KindAIToolCall:         func() DriverEvent { return &AIToolCall{} },
	KindAIToolExecuting:    func() DriverEvent { return &AIToolExecuting{} },
	KindAIToolResult:       func() DriverEvent { return &AIToolResult{} },
	KindAIToolProgress:     func() DriverEvent { return &AIToolProgress{} },
	KindAIResponseComplete: func() DriverEvent { return &AIResponseComplete{} },
	KindAIResponseError:    func() DriverEvent { return &AIResponseError{} },
}

// DecodeDriver decodes a frame received from a driver connection.
func DecodeDriver(data []byte) (DriverEvent, error) {
	return decode(data, driverKinds)
}

// Server → driver payloads.

type DriverRegistered struct {
	ConnectionID string `json:"connectionId"`
	Active       bool   `json:"active"`
}

type ExecuteTool struct {
	CorrelationID string          `json:"correlationId"`
	ToolName      string          `json:"toolName"`
	Args          json.RawMessage `json:"args,omitempty"`
}

type ProcessAIMessage struct {
	CorrelationID string `json:"correlationId"`
	SessionID     string `json:"sessionId"`
	Text          string `json:"text"`
}

type Ping struct {
	CorrelationID string `json:"correlationId"`
}

func (DriverRegistered) Kind() Kind { return KindDriverRegistered }
func (ExecuteTool) Kind() Kind      { return KindExecuteTool }
func (ProcessAIMessage) Kind() Kind { return KindProcessAIMessage }
func (Ping) Kind() Kind             { return KindPing }

// DriverInbound is a frame the driver receives from the server. It is
// used by driver implementations such as the mock driver.
type DriverInbound interface {
	Message
	driverInbound()
}

func (*DriverRegistered) driverInbound() {}
func (*ExecuteTool) driverInbound()      {}
func (*ProcessAIMessage) driverInbound() {}
func (*Ping) driverInbound()             {}

var driverInboundKinds = map[Kind]func() DriverInbound{
	KindDriverRegistered: func() DriverInbound { return &DriverRegistered{} },
	KindExecuteTool:      func() DriverInbound { return &ExecuteTool{} },
	KindProcessAIMessage: func() DriverInbound { return &ProcessAIMessage{} },
	KindPing:             func() DriverInbound { return &Ping{} },
}

// DecodeDriverInbound decodes a server → driver frame. Frames meant for
// observers, such as error, are reported as ErrUnknownKind.
func DecodeDriverInbound(data []byte) (DriverInbound, error) {
	return decode(data, driverInboundKinds)
}

// IsRejection reports whether err came from decoding an invalid frame.
func IsRejection(err error) bool {
	return errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrMalformed)
}
