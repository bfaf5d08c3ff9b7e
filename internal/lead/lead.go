// Package lead defines the sales lead record, its closed enums, and the
// priority scoring rules applied to it.
//
// A lead's Score is derived data: every mutator in this package ends with
// [Lead.Rescore], and nothing else writes the field.
package lead

import (
	"time"

	"github.com/MrWong99/callwright/internal/transcript"
)

// PriceTier is the restaurant's price bracket.
type PriceTier string

const (
	TierModerate   PriceTier = "$$"
	TierUpscale    PriceTier = "$$$"
	TierFineDining PriceTier = "$$$$"
)

// IsValid reports whether t is a recognised price tier.
func (t PriceTier) IsValid() bool {
	switch t {
	case TierModerate, TierUpscale, TierFineDining:
		return true
	}
	return false
}

// Status is the outcome of the most recent call attempt.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusBooked     Status = "BOOKED"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBooked:
		return true
	}
	return false
}

// Sentiment is the decision-maker's attitude as judged after a call. The
// empty value means no judgement has been made.
type Sentiment string

const (
	SentimentNone     Sentiment = ""
	SentimentPositive Sentiment = "Positive"
	SentimentNeutral  Sentiment = "Neutral"
	SentimentNegative Sentiment = "Negative"
)

// IsValid reports whether s is a recognised sentiment, including none.
func (s Sentiment) IsValid() bool {
	switch s {
	case SentimentNone, SentimentPositive, SentimentNeutral, SentimentNegative:
		return true
	}
	return false
}

// Recording is the finalized audio of a call, owned by the lead.
type Recording struct {
	MIMEType string        `json:"mime_type"`
	Data     []byte        `json:"data"`
	Duration time.Duration `json:"duration"`
}

// Lead is one restaurant the agent may call.
type Lead struct {
	ID             string    `json:"id"`
	RestaurantName string    `json:"restaurant_name"`
	ContactName    string    `json:"contact_name"`
	Phone          string    `json:"phone"`
	PriceTier      PriceTier `json:"price_tier"`
	Cuisine        string    `json:"cuisine"`
	Location       string    `json:"location"`
	Notes          string    `json:"notes,omitempty"`

	Status    Status    `json:"status"`
	Sentiment Sentiment `json:"sentiment,omitempty"`

	Transcript []transcript.Entry `json:"transcript"`

	// Score is in [0, 100]. Written only by Rescore.
	Score int `json:"score"`

	Recording    *Recording `json:"recording,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	LastCalledAt time.Time  `json:"last_called_at,omitzero"`
}

// Rescore recomputes Score from the current tier, status, and sentiment.
func (l *Lead) Rescore() {
	l.Score = Score(l.PriceTier, l.Status, l.Sentiment)
}

// MarkInProgress records the start of a call attempt at t.
func (l *Lead) MarkInProgress(t time.Time) {
	l.Status = StatusInProgress
	l.LastCalledAt = t
	l.Rescore()
}

// ApplyOutcome stores the end-of-call heuristic result: the final transcript,
// an optional recording, and the derived status and sentiment.
func (l *Lead) ApplyOutcome(status Status, sentiment Sentiment, entries []transcript.Entry, rec *Recording) {
	l.Status = status
	l.Sentiment = sentiment
	l.Transcript = append([]transcript.Entry(nil), entries...)
	if rec != nil {
		l.Recording = rec
	}
	l.Rescore()
}

// UpgradeToBooked moves the lead to BOOKED with the given sentiment. It
// reports false, leaving the lead unchanged, when the lead is already BOOKED.
func (l *Lead) UpgradeToBooked(sentiment Sentiment) bool {
	if l.Status == StatusBooked {
		return false
	}
	l.Status = StatusBooked
	l.Sentiment = sentiment
	l.Rescore()
	return true
}

// Clone returns a deep copy of l.
func (l Lead) Clone() Lead {
	l.Transcript = append([]transcript.Entry(nil), l.Transcript...)
	if l.Recording != nil {
		rec := *l.Recording
		rec.Data = append([]byte(nil), rec.Data...)
		l.Recording = &rec
	}
	return l
}
