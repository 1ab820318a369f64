package protocol

import (
	"encoding/json"
	"strings"

	"github.com/kanaya23/ShoppingAssistant/internal/session"
)

// ObserverRequest is a frame sent by an observer.
type ObserverRequest interface {
	Message
	observerRequest()
}

type Register struct {
	SessionID string `json:"sessionId,omitempty"`
}

type SendMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
}

type Clear struct {
	SessionID string `json:"sessionId"`
}

type PingTest struct {
	SessionID string `json:"sessionId,omitempty"`
	TS        int64  `json:"ts,omitempty"`
}

func (*Register) Kind() Kind    { return KindRegister }
func (*SendMessage) Kind() Kind { return KindSendMessage }
func (*Clear) Kind() Kind       { return KindClear }
func (*PingTest) Kind() Kind    { return KindPingTest }

func (*Register) observerRequest()    {}
func (*SendMessage) observerRequest() {}
func (*Clear) observerRequest()       {}
func (*PingTest) observerRequest()    {}

func (m *SendMessage) validate() error {
	m.Text = strings.TrimSpace(m.Text)
	if err := requireField("sessionId", m.SessionID); err != nil {
		return err
	}
	return requireField("text", m.Text)
}

func (m *Clear) validate() error {
	return requireField("sessionId", m.SessionID)
}

var observerKinds = map[Kind]func() ObserverRequest{
	KindRegister:    func() ObserverRequest { return &Register{} },
	KindSendMessage: func() ObserverRequest { return &SendMessage{} },
	KindClear:       func() ObserverRequest { return &Clear{} },
	KindPingTest:    func() ObserverRequest { return &PingTest{} },
}

// DecodeObserver decodes a frame received from an observer connection.
func DecodeObserver(data []byte) (ObserverRequest, error) {
	return decode(data, observerKinds)
}

// Server → observer payloads.

type Registered struct {
	SessionID       string               `json:"sessionId"`
	DriverConnected bool                 `json:"driverConnected"`
	Busy            bool                 `json:"busy"`
	Resume          *session.ResumeState `json:"resume,omitempty"`
}

type History struct {
	Messages []session.Message `json:"messages"`
}

type MessageAdded struct {
	Role    session.Role `json:"role"`
	Content string       `json:"content"`
}

type StreamStart struct{}

type StreamChunk struct {
	Chunk string `json:"chunk"`
}

type ToolCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

type ToolExecuting struct {
	Name string `json:"name"`
}

type ToolResult struct {
	Name    string `json:"name"`
	Success bool   `json:"success"`
}

type ToolProgress struct {
	Name    string `json:"name"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	URL     string `json:"url,omitempty"`
}

type StreamEnd struct{}

type Error struct {
	Message string `json:"message"`
}

type DriverStatus struct {
	Connected bool `json:"connected"`
}

type Cleared struct {
	SessionID string `json:"sessionId"`
}

type Pong struct {
	OK          bool   `json:"ok"`
	Message     string `json:"message"`
	RoundTripMs int64  `json:"roundTripMs,omitempty"`
	TS          int64  `json:"ts,omitempty"`
}

func (Registered) Kind() Kind    { return KindRegistered }
func (History) Kind() Kind       { return KindHistory }
func (MessageAdded) Kind() Kind  { return KindMessageAdded }
func (StreamStart) Kind() Kind   { return KindStreamStart }
func (StreamChunk) Kind() Kind   { return KindStreamChunk }
func (ToolCall) Kind() Kind      { return KindToolCall }
func (ToolExecuting) Kind() Kind { return KindToolExecuting }
func (ToolResult) Kind() Kind    { return KindToolResult }
func (ToolProgress) Kind() Kind  { return KindToolProgress }
func (StreamEnd) Kind() Kind     { return KindStreamEnd }
func (Error) Kind() Kind         { return KindError }
func (DriverStatus) Kind() Kind  { return KindDriverStatus }
func (Cleared) Kind() Kind       { return KindCleared }
func (Pong) Kind() Kind          { return KindPong }

// ProgressFrom converts a stored progress snapshot to its wire form.
func ProgressFrom(p session.ToolProgress) ToolProgress {
	return ToolProgress{Name: p.Tool, Current: p.Current, Total: p.Total, URL: p.URL}
}
