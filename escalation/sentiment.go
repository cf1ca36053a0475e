package escalation

import (
	"regexp"
	"strings"
)

// ScanThreshold is the score at or below which a conversation is treated
// as high-risk and worth an alert.
const ScanThreshold = -0.5

var negativeTerms = map[string]float64{
	"angry":        -0.4,
	"furious":      -0.6,
	"unacceptable": -0.6,
	"terrible":     -0.4,
	"awful":        -0.4,
	"cancel":       -0.3,
	"refund":       -0.3,
	"lawyer":       -0.7,
	"lawsuit":      -0.8,
	"sue":          -0.7,
	"escalate":     -0.4,
	"complaint":    -0.3,
	"disappointed": -0.3,
	"outage":       -0.4,
	"broken":       -0.3,
	"urgent":       -0.3,
	"worst":        -0.5,
}

var wordSplit = regexp.MustCompile(`[a-z']+`)

// ScoreSentiment is a crude lexicon score in [-1, 0]. It only has to rank
// clearly hostile messages below ScanThreshold; nuance is out of scope.
func ScoreSentiment(text string) float64 {
	score := 0.0
	for _, word := range wordSplit.FindAllString(strings.ToLower(text), -1) {
		score += negativeTerms[word]
	}
	if score < -1 {
		score = -1
	}
	return score
}
