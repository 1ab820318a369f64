package session

import (
	"crypto/sha256"
	"fmt"
)

// PrivacyFilter masks session summaries before they leave the process.
// Session ids double as resume tokens, so listing endpoints should not
// expose them verbatim. The zero value is a no-op filter.
type PrivacyFilter struct {
	MaskSessionIDs bool
}

// Apply returns a masked copy of the summary. The original is never modified.
func (f *PrivacyFilter) Apply(s Summary) Summary {
	if f.MaskSessionIDs && s.ID != "" {
		s.ID = shortHash(s.ID)
	}
	return s
}

// FilterSlice returns a new slice with masking applied to each summary.
func (f *PrivacyFilter) FilterSlice(summaries []Summary) []Summary {
	result := make([]Summary, 0, len(summaries))
	for _, s := range summaries {
		result = append(result, f.Apply(s))
	}
	return result
}

// IsNoop reports whether the filter does nothing.
func (f *PrivacyFilter) IsNoop() bool {
	return !f.MaskSessionIDs
}

// shortHash returns a truncated SHA-256 hex digest for an opaque identifier.
func shortHash(s string) string {
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h[:6])
}
