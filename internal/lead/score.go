package lead

// Score computes a lead's priority in [0, 100].
//
// The base comes from the price tier (unknown tiers get the lowest base).
// BOOKED leads always score 100. Otherwise status and sentiment modifiers are
// added and the sum is clamped.
func Score(tier PriceTier, status Status, sentiment Sentiment) int {
	if status == StatusBooked {
		return 100
	}
	s := tierBase(tier) + statusModifier(status) + sentimentModifier(sentiment)
	return max(0, min(100, s))
}

func tierBase(t PriceTier) int {
	switch t {
	case TierFineDining:
		return 40
	case TierUpscale:
		return 30
	case TierModerate:
		return 20
	default:
		return 10
	}
}

func statusModifier(s Status) int {
	switch s {
	case StatusInProgress:
		return 20
	case StatusCompleted:
		return 10
	case StatusFailed:
		return -20
	default:
		return 0
	}
}

func sentimentModifier(s Sentiment) int {
	switch s {
	case SentimentPositive:
		return 30
	case SentimentNeutral:
		return 5
	case SentimentNegative:
		return -30
	default:
		return 0
	}
}
