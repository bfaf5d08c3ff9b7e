package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/transcript"
	"github.com/MrWong99/callwright/pkg/provider/llm"
)

const extractionPrompt = `You coach sales agents. From the call transcript, pick the single most reusable technique the agent used that moved the conversation forward.
Reply with a single JSON object and nothing else:
{"found": true, "category": "objection_handling" | "value_proposition" | "closing_technique", "content": "<one or two sentences, written as advice>"}
If nothing in the call is worth reusing, reply {"found": false}.`

// Technique is a reusable insight extracted from a call.
type Technique struct {
	Category knowledge.Category `json:"category"`
	Content  string             `json:"content"`
}

// Extract asks the model for one technique worth adding to the knowledge
// base. It returns nil when the model found nothing.
func Extract(ctx context.Context, p llm.Provider, l lead.Lead, entries []transcript.Entry) (*Technique, error) {
	resp, err := p.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: extractionPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: callDocument(l, entries)}},
		Temperature:  0.4,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	tech, err := parseTechnique(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrExtraction, err)
	}
	return tech, nil
}

func parseTechnique(raw string) (*Technique, error) {
	var out struct {
		Found    *bool  `json:"found"`
		Category string `json:"category"`
		Content  string `json:"content"`
	}
	if err := json.Unmarshal([]byte(stripFence(raw)), &out); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	content := strings.TrimSpace(out.Content)
	if (out.Found != nil && !*out.Found) || (out.Found == nil && content == "") {
		return nil, nil
	}
	cat := knowledge.Category(strings.ToLower(strings.TrimSpace(out.Category)))
	if !cat.IsValid() {
		return nil, fmt.Errorf("unknown category %q", out.Category)
	}
	if content == "" {
		return nil, fmt.Errorf("empty content")
	}
	return &Technique{Category: cat, Content: content}, nil
}
