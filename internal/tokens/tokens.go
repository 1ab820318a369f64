// Package tokens estimates how much of a model's context window a session
// occupies.
package tokens

import (
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kanaya23/ShoppingAssistant/internal/session"
)

const encodingName = "cl100k_base"

// perMessageOverhead approximates the role and framing tokens each message
// costs on the wire.
const perMessageOverhead = 4

// Counter counts tokens with tiktoken. When the encoding can not be loaded
// it falls back to a character-based estimate.
type Counter struct {
	enc *tiktoken.Tiktoken
}

// New returns a Counter. It never fails; Exact reports whether tiktoken is
// in use.
func New() *Counter {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return &Counter{}
	}
	return &Counter{enc: enc}
}

// Exact reports whether counts come from a real tokenizer.
func (c *Counter) Exact() bool {
	return c != nil && c.enc != nil
}

// Count returns the token count of text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	if !c.Exact() {
		return estimate(text)
	}
	return len(c.enc.Encode(text, nil, nil))
}

// estimate uses the common four-characters-per-token rule, rounding up.
func estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// CountMessages returns the token count of a conversation log, including
// tool payloads.
func (c *Counter) CountMessages(msgs []session.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead + c.Count(m.Content)
		for _, p := range m.Parts {
			if p.FunctionCall != nil {
				total += c.Count(p.FunctionCall.Name) + c.Count(string(p.FunctionCall.Args))
			}
			if p.FunctionResponse != nil {
				total += c.Count(p.FunctionResponse.Name) + c.Count(string(p.FunctionResponse.Response))
			}
		}
	}
	return total
}

// Summarize builds the listing summary of a session snapshot.
func (c *Counter) Summarize(snap session.Snapshot, maxContext int) session.Summary {
	sum := session.Summary{
		ID:               snap.ID,
		MessageCount:     len(snap.Messages),
		Busy:             snap.Busy,
		TokensUsed:       c.CountMessages(snap.Messages) + c.Count(snap.Buffer),
		TokenEstimated:   !c.Exact(),
		MaxContextTokens: maxContext,
		CreatedAt:        snap.CreatedAt,
		LastActivityAt:   snap.LastActivityAt,
	}
	sum.UpdateUtilization()
	return sum
}
