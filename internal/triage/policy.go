package triage

const (
	// ScrapeThreshold is the lowest score that is emitted.
	ScrapeThreshold = 80

	// WatchlistThreshold is the lowest score that is held for review.
	WatchlistThreshold = 50

	minScore = 0
	maxScore = 100
)

// Outcome is the policy decision for one verdict.
type Outcome struct {
	Decision Decision
	Action   Action
	Score    int

	// Clamped is set when the model score was outside [0,100].
	Clamped bool

	// Disagrees is set when the model label differs from Decision.
	Disagrees bool
}

// ClampScore bounds a score to [0,100] and reports whether it had to.
func ClampScore(score int) (int, bool) {
	switch {
	case score < minScore:
		return minScore, true
	case score > maxScore:
		return maxScore, true
	default:
		return score, false
	}
}

// DecisionFor maps an in-range score onto a Decision.
func DecisionFor(score int) Decision {
	switch {
	case score >= ScrapeThreshold:
		return DecisionScrape
	case score >= WatchlistThreshold:
		return DecisionWatchlist
	default:
		return DecisionSkip
	}
}

// Decide applies the score thresholds to v. The model's own label is only
// compared, never trusted.
func Decide(v *Verdict) Outcome {
	score, clamped := ClampScore(v.Score)
	d := DecisionFor(score)

	o := Outcome{
		Decision: d,
		Score:    score,
		Clamped:  clamped,
	}
	switch d {
	case DecisionScrape:
		o.Action = ActionEmit
	case DecisionWatchlist:
		o.Action = ActionHold
	default:
		o.Action = ActionSuppress
	}
	if v.Label != "" && v.Label != d {
		o.Disagrees = true
	}
	return o
}
