package session

import (
	"encoding/json"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a session's conversation log. Messages are
// append-only; Parts carries structured tool payloads.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Parts     []Part    `json:"parts,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Part is a structured message payload. Exactly one field is set.
type Part struct {
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// FunctionCall records a tool call proposed by the completion backend.
type FunctionCall struct {
	ID   string          `json:"id,omitempty"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse records the result fed back to the completion backend.
type FunctionResponse struct {
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// NewFunctionCallMessage returns the assistant message recording call.
func NewFunctionCallMessage(call FunctionCall) Message {
	return Message{
		Role:  RoleAssistant,
		Parts: []Part{{FunctionCall: &call}},
	}
}

// NewFunctionResultMessage returns the user message carrying a tool result.
func NewFunctionResultMessage(resp FunctionResponse) Message {
	return Message{
		Role:  RoleUser,
		Parts: []Part{{FunctionResponse: &resp}},
	}
}

// ToolProgress is the latest progress report of a long-running tool.
type ToolProgress struct {
	Tool    string `json:"name"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
	URL     string `json:"url,omitempty"`
}

// Snapshot is a point-in-time copy of a session. It is safe to retain.
type Snapshot struct {
	ID             string        `json:"id"`
	Messages       []Message     `json:"messages"`
	Buffer         string        `json:"buffer,omitempty"`
	Progress       *ToolProgress `json:"progress,omitempty"`
	Busy           bool          `json:"busy"`
	CreatedAt      time.Time     `json:"createdAt"`
	LastActivityAt time.Time     `json:"lastActivityAt"`
}

// Resume returns the replayable part of a busy session, or nil when the
// session has nothing in flight.
func (s Snapshot) Resume() *ResumeState {
	if !s.Busy {
		return nil
	}
	rs := &ResumeState{Buffer: s.Buffer}
	if s.Progress != nil {
		p := *s.Progress
		rs.Progress = &p
	}
	return rs
}

// ResumeState is sent to a reconnecting observer of a busy session.
type ResumeState struct {
	Buffer   string        `json:"buffer"`
	Progress *ToolProgress `json:"progress,omitempty"`
}

// Summary describes a session for listing endpoints.
type Summary struct {
	ID                 string    `json:"id"`
	MessageCount       int       `json:"messageCount"`
	Busy               bool      `json:"busy"`
	TokensUsed         int       `json:"tokensUsed"`
	TokenEstimated     bool      `json:"tokenEstimated"`
	MaxContextTokens   int       `json:"maxContextTokens"`
	ContextUtilization float64   `json:"contextUtilization"`
	CreatedAt          time.Time `json:"createdAt"`
	LastActivityAt     time.Time `json:"lastActivityAt"`
}

func (s *Summary) UpdateUtilization() {
	if s.MaxContextTokens > 0 {
		s.ContextUtilization = float64(s.TokensUsed) / float64(s.MaxContextTokens)
		if s.ContextUtilization > 1.0 {
			s.ContextUtilization = 1.0
		}
	}
}

// state is the mutable per-session record owned by the Store.
type state struct {
	id             string
	messages       []Message
	buffer         string
	progress       *ToolProgress
	busy           bool
	createdAt      time.Time
	lastActivityAt time.Time
}

func (st *state) snapshot() Snapshot {
	snap := Snapshot{
		ID:             st.id,
		Messages:       cloneMessages(st.messages),
		Buffer:         st.buffer,
		Busy:           st.busy,
		CreatedAt:      st.createdAt,
		LastActivityAt: st.lastActivityAt,
	}
	if st.progress != nil {
		p := *st.progress
		snap.Progress = &p
	}
	return snap
}

// cloneMessages copies the slice and its Parts so callers can not reach
// into the store's log.
func cloneMessages(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m
		if len(m.Parts) > 0 {
			out[i].Parts = make([]Part, len(m.Parts))
			copy(out[i].Parts, m.Parts)
		}
	}
	return out
}
