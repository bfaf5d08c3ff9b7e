package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/transcript"
	"github.com/MrWong99/callwright/pkg/provider/llm"
)

const classificationPrompt = `You review transcripts of sales calls between an agent selling a restaurant delivery partnership and a restaurant decision-maker.
Reply with a single JSON object and nothing else:
{"summary": "<two sentences>", "sentiment": "Positive" | "Neutral" | "Negative", "outcome": "BOOKED" | "COMPLETED" | "FAILED"}
Use BOOKED only when the contact explicitly agreed to a meeting, trial, or sign-up.`

// Classification is the structured result of the classification stage.
type Classification struct {
	Summary   string         `json:"summary"`
	Sentiment lead.Sentiment `json:"sentiment"`
	Outcome   lead.Status    `json:"outcome"`
}

// Classify asks the model for a summary, sentiment, and outcome of the call.
func Classify(ctx context.Context, p llm.Provider, l lead.Lead, entries []transcript.Entry) (Classification, error) {
	resp, err := p.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: classificationPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: callDocument(l, entries)}},
		Temperature:  0.2,
		JSONMode:     true,
	})
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	c, err := parseClassification(resp.Content)
	if err != nil {
		return Classification{}, fmt.Errorf("%w: %w", ErrClassification, err)
	}
	return c, nil
}

func parseClassification(raw string) (Classification, error) {
	var out struct {
		Summary   string `json:"summary"`
		Sentiment string `json:"sentiment"`
		Outcome   string `json:"outcome"`
	}
	if err := json.Unmarshal([]byte(stripFence(raw)), &out); err != nil {
		return Classification{}, fmt.Errorf("decode reply: %w", err)
	}

	c := Classification{Summary: strings.TrimSpace(out.Summary)}
	switch strings.ToLower(strings.TrimSpace(out.Sentiment)) {
	case "positive":
		c.Sentiment = lead.SentimentPositive
	case "neutral":
		c.Sentiment = lead.SentimentNeutral
	case "negative":
		c.Sentiment = lead.SentimentNegative
	default:
		return Classification{}, fmt.Errorf("unknown sentiment %q", out.Sentiment)
	}
	switch o := lead.Status(strings.ToUpper(strings.TrimSpace(out.Outcome))); o {
	case lead.StatusBooked, lead.StatusCompleted, lead.StatusFailed:
		c.Outcome = o
	default:
		return Classification{}, fmt.Errorf("unknown outcome %q", out.Outcome)
	}
	if c.Summary == "" {
		return Classification{}, fmt.Errorf("empty summary")
	}
	return c, nil
}

// callDocument renders the lead header and transcript as the user message.
func callDocument(l lead.Lead, entries []transcript.Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Restaurant: %s\n", l.RestaurantName)
	if l.Cuisine != "" {
		fmt.Fprintf(&sb, "Cuisine: %s\n", l.Cuisine)
	}
	sb.WriteString("\nTranscript:\n")
	sb.WriteString(transcript.Render(entries))
	return sb.String()
}

// stripFence removes a Markdown code fence some models wrap JSON in.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
