package knowledge

import (
	"slices"
	"strings"

	"github.com/MrWong99/callwright/internal/lead"
	"github.com/MrWong99/callwright/internal/transcript"
)

// MaxResults is the most snippets Retrieve returns.
const MaxResults = 3

// Vocabulary is the fixed keyword list matched between lead context and
// snippet content.
var Vocabulary = []string{
	"busy", "manager", "owner", "price", "cost", "expensive", "budget",
	"not interested", "email", "call back", "time", "contract", "commission",
	"delivery", "staff", "margin",
}

const (
	weightSourceMatch = 50
	weightCuisine     = 15
	weightKeyword     = 10
	weightCategoryFit = 5
	weightBase        = 1
)

// Scored is a snippet with its relevance to one lead.
type Scored struct {
	Snippet Snippet `json:"snippet"`
	Score   int     `json:"score"`
}

// Retrieve ranks kb against l and returns at most [MaxResults] snippets with
// a positive score, best first. Ties keep knowledge-base order.
//
// A snippet that matches none of the rules scores 0 and is dropped; the flat
// base point is only added once some rule has matched.
func Retrieve(l lead.Lead, kb []Snippet) []Scored {
	ctx := leadContext(l)
	cuisine := strings.ToLower(strings.TrimSpace(l.Cuisine))

	var scored []Scored
	for _, s := range kb {
		if score := scoreSnippet(l, ctx, cuisine, s); score > 0 {
			scored = append(scored, Scored{Snippet: s, Score: score})
		}
	}
	slices.SortStableFunc(scored, func(a, b Scored) int { return b.Score - a.Score })
	if len(scored) > MaxResults {
		scored = scored[:MaxResults]
	}
	return scored
}

// Snippets strips the scores from ranked results.
func Snippets(ranked []Scored) []Snippet {
	out := make([]Snippet, len(ranked))
	for i, r := range ranked {
		out[i] = r.Snippet
	}
	return out
}

func scoreSnippet(l lead.Lead, ctx, cuisine string, s Snippet) int {
	content := strings.ToLower(s.Content)
	score := 0

	if s.SourceRestaurant != "" && s.SourceRestaurant == l.RestaurantName {
		score += weightSourceMatch
	}
	if cuisine != "" && strings.Contains(content, cuisine) {
		score += weightCuisine
	}
	for _, kw := range Vocabulary {
		if strings.Contains(ctx, kw) && strings.Contains(content, kw) {
			score += weightKeyword
		}
	}
	if l.Status == lead.StatusFailed && s.Category == CategoryObjectionHandling {
		score += weightCategoryFit
	}
	if l.PriceTier == lead.TierFineDining && s.Category == CategoryValueProposition {
		score += weightCategoryFit
	}

	if score == 0 {
		return 0
	}
	return score + weightBase
}

// leadContext is the lower-cased text the vocabulary is matched against.
func leadContext(l lead.Lead) string {
	parts := []string{l.Notes, l.Cuisine, l.Location, transcript.Text(l.Transcript)}
	return strings.ToLower(strings.Join(parts, " "))
}
