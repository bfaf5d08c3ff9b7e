// Package transcript assembles the live call transcript from streaming
// transcription deltas.
//
// Deltas for the human and the agent accumulate in two partial buffers. Turn
// boundaries commit them to an append-only log; barge-in commits the agent's
// partial with [TruncationMarker] appended. Committed entries are never
// rewritten.
package transcript

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who spoke an entry.
type Role string

const (
	RoleHuman Role = "human"
	RoleAgent Role = "agent"
)

// IsValid reports whether r is a known role.
func (r Role) IsValid() bool {
	return r == RoleHuman || r == RoleAgent
}

// TruncationMarker is appended to agent text cut off by an interruption.
const TruncationMarker = " [interrupted]"

// Entry is one committed utterance.
type Entry struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Truncated reports whether the entry was cut off by an interruption.
func (e Entry) Truncated() bool {
	return e.Role == RoleAgent && strings.HasSuffix(e.Text, TruncationMarker)
}

// String renders the entry as "role: text".
func (e Entry) String() string {
	return fmt.Sprintf("%s: %s", e.Role, e.Text)
}

// Render formats entries one per line, as fed to analysis prompts.
func Render(entries []Entry) string {
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.String())
	}
	return b.String()
}

// Text concatenates the text of all entries separated by spaces.
func Text(entries []Entry) string {
	parts := make([]string, len(entries))
	for i, e := range entries {
		parts[i] = e.Text
	}
	return strings.Join(parts, " ")
}
