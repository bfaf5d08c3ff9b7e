package store

import (
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/callwright/internal/knowledge"
	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/transcript"
)

// DefaultLeads returns the minimal dataset used on first start and after a
// reset. Every call returns fresh IDs.
func DefaultLeads() []lead.Lead {
	seed := []lead.Lead{
		{
			RestaurantName: "Osteria Lupa",
			ContactName:    "Marta Bellini",
			Phone:          "+1 415 555 0142",
			PriceTier:      lead.TierFineDining,
			Cuisine:        "Italian",
			Location:       "North Beach, San Francisco",
			Notes:          "Owner handles partnerships personally. Busy after 5pm.",
		},
		{
			RestaurantName: "Saffron House",
			ContactName:    "Ravi Menon",
			Phone:          "+1 415 555 0178",
			PriceTier:      lead.TierUpscale,
			Cuisine:        "Indian",
			Location:       "Mission District, San Francisco",
			Notes:          "Asked about commission last quarter.",
		},
		{
			RestaurantName: "Taqueria El Sol",
			ContactName:    "Lucia Ortega",
			Phone:          "+1 510 555 0113",
			PriceTier:      lead.TierModerate,
			Cuisine:        "Mexican",
			Location:       "Fruitvale, Oakland",
			Notes:          "Already on one delivery app. Price sensitive.",
		},
		{
			RestaurantName: "Maison Clair",
			ContactName:    "Henri Dubois",
			Phone:          "+1 415 555 0190",
			PriceTier:      lead.TierFineDining,
			Cuisine:        "French",
			Location:       "Hayes Valley, San Francisco",
			Notes:          "Manager prefers email before any call.",
		},
	}
	for i := range seed {
		seed[i].ID = uuid.NewString()
		seed[i].Status = lead.StatusPending
		seed[i].Transcript = []transcript.Entry{}
		seed[i].Rescore()
	}
	return seed
}

// DefaultKnowledge returns the starter techniques shipped with the default
// dataset, most recent first.
func DefaultKnowledge() []knowledge.Snippet {
	at := time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)
	return []knowledge.Snippet{
		knowledge.NewSnippet(knowledge.CategoryObjectionHandling,
			"When the owner says the commission is too expensive, compare it to the margin on a table they cannot seat on a busy night.",
			"", "", at.Add(2*time.Hour)),
		knowledge.NewSnippet(knowledge.CategoryValueProposition,
			"Fine dining kitchens respond to curated delivery: limited menu, premium packaging, no discount pressure.",
			"", "", at.Add(time.Hour)),
		knowledge.NewSnippet(knowledge.CategoryClosingTechnique,
			"If the manager is short on time, offer to email a one-page summary and book a call back slot before hanging up.",
			"", "", at),
	}
}
