// Package prompt renders the session-opening instructions sent to the remote
// agent: persona, lead context, and the retrieved techniques used for priming.
package prompt

import (
	"fmt"
	"strings"

	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
)

// DefaultPersona is used when no persona is configured.
const DefaultPersona = "You are a friendly, concise sales representative calling restaurants on behalf of a food-delivery platform. " +
	"Keep answers short, listen more than you talk, and aim to book a follow-up meeting."

// Build renders the system instructions for a call to l primed with snippets.
//
// Build is pure. Empty sections are omitted rather than rendered as empty
// headers.
func Build(persona string, l lead.Lead, snippets []knowledge.Snippet) string {
	var sb strings.Builder

	// ── Persona ───────────────────────────────────────────────────────────────
	p := strings.TrimSpace(persona)
	if p == "" {
		p = DefaultPersona
	}
	sb.WriteString(p)

	// ── Lead ──────────────────────────────────────────────────────────────────
	if section := formatLeadSection(l); section != "" {
		sb.WriteString("\n\n## Who You Are Calling\n")
		sb.WriteString(section)
	}

	// ── Priming ───────────────────────────────────────────────────────────────
	if len(snippets) > 0 {
		sb.WriteString("\n\n## What Worked Before\n")
		sb.WriteString(formatSnippetsSection(snippets))
	}

	sb.WriteString("\n\nOpen the call by greeting the contact by name and introducing yourself.")
	return sb.String()
}

func formatLeadSection(l lead.Lead) string {
	var lines []string
	add := func(label, v string) {
		if v = strings.TrimSpace(v); v != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", label, v))
		}
	}
	add("Restaurant", l.RestaurantName)
	add("Contact", l.ContactName)
	add("Cuisine", l.Cuisine)
	add("Location", l.Location)
	add("Price tier", string(l.PriceTier))
	add("Notes", l.Notes)
	if l.Summary != "" {
		add("Previous call", l.Summary)
	}
	return strings.Join(lines, "\n")
}

func formatSnippetsSection(snippets []knowledge.Snippet) string {
	lines := make([]string, 0, len(snippets))
	for _, s := range snippets {
		lines = append(lines, fmt.Sprintf("- [%s] %s", s.Category, strings.TrimSpace(s.Content)))
	}
	return strings.Join(lines, "\n")
}
