// Package analysis turns a finished call into updates on the lead and the
// knowledge base.
//
// [Heuristic] runs synchronously when the call ends. [Analyzer.Run] then runs
// two LLM stages concurrently: classification (summary, sentiment, outcome)
// and extraction (one reusable technique for the knowledge base). The stages
// share no cancellation; each failure degrades only its own result.
package analysis

import (
	"context"
	"errors"

	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/transcript"
)

var (
	// ErrClassification wraps classification stage failures.
	ErrClassification = errors.New("analysis: classification failed")

	// ErrExtraction wraps extraction stage failures.
	ErrExtraction = errors.New("analysis: extraction failed")
)

// DegradedSummary replaces the lead summary when classification fails.
const DegradedSummary = "Automatic call analysis was unavailable. Review the transcript for details."

// Heuristic derives a provisional status and sentiment from the number of
// committed transcript entries.
func Heuristic(entries int) (lead.Status, lead.Sentiment) {
	switch {
	case entries > 6:
		return lead.StatusCompleted, lead.SentimentPositive
	case entries < 2:
		return lead.StatusFailed, lead.SentimentNegative
	default:
		return lead.StatusCompleted, lead.SentimentNeutral
	}
}

// LeadSink applies a mutation to a stored lead and persists it.
type LeadSink interface {
	UpdateLead(ctx context.Context, id string, fn func(*lead.Lead)) (lead.Lead, error)
}

// KnowledgeSink stores a new snippet.
type KnowledgeSink interface {
	AddSnippet(ctx context.Context, s knowledge.Snippet) error
}

// Input is everything the background stages need.
type Input struct {
	Lead lead.Lead

	// Entries is the full transcript: committed entries followed by any
	// trailing partials.
	Entries []transcript.Entry
}

// Stage names used in reports, logs, and metrics.
const (
	StageClassification = "classification"
	StageExtraction     = "extraction"
)

// StageStatus is the reported outcome of one stage.
type StageStatus string

const (
	StatusCompleted StageStatus = "completed"
	StatusDegraded  StageStatus = "degraded"
	StatusNothing   StageStatus = "nothing found"
	StatusSkipped   StageStatus = "skipped"
)

// StageResult is the status text of one stage.
type StageResult struct {
	Status StageStatus `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// Report is the per-stage outcome of a post-call analysis run.
type Report struct {
	LeadID         string             `json:"lead_id"`
	Classification StageResult        `json:"classification"`
	Extraction     StageResult        `json:"extraction"`
	Outcome        lead.Status        `json:"outcome,omitempty"`
	Sentiment      lead.Sentiment     `json:"sentiment,omitempty"`
	Summary        string             `json:"summary,omitempty"`
	Snippet        *knowledge.Snippet `json:"snippet,omitempty"`
}
