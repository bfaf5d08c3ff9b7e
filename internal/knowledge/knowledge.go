// Package knowledge holds the shared base of sales techniques learned from
// earlier calls and ranks it against a lead to prime new sessions.
package knowledge

import (
	"time"

	"github.com/google/uuid"
)

// Category classifies what a snippet teaches.
type Category string

const (
	CategoryObjectionHandling Category = "objection_handling"
	CategoryValueProposition  Category = "value_proposition"
	CategoryClosingTechnique  Category = "closing_technique"
)

// IsValid reports whether c is a recognised category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryObjectionHandling, CategoryValueProposition, CategoryClosingTechnique:
		return true
	}
	return false
}

// Snippet is one technique extracted from a call. Snippets are immutable once
// created and are stored most-recent-first.
type Snippet struct {
	ID               string    `json:"id"`
	Category         Category  `json:"category"`
	Content          string    `json:"content"`
	SourceRestaurant string    `json:"source_restaurant"`
	SourceLeadID     string    `json:"source_lead_id"`
	Timestamp        time.Time `json:"timestamp"`
}

// NewSnippet returns a snippet with a fresh ID.
func NewSnippet(category Category, content, sourceRestaurant, sourceLeadID string, at time.Time) Snippet {
	return Snippet{
		ID:               uuid.NewString(),
		Category:         category,
		Content:          content,
		SourceRestaurant: sourceRestaurant,
		SourceLeadID:     sourceLeadID,
		Timestamp:        at,
	}
}

// Prepend returns a new base with s at the front.
func Prepend(kb []Snippet, s Snippet) []Snippet {
	out := make([]Snippet, 0, len(kb)+1)
	out = append(out, s)
	return append(out, kb...)
}
