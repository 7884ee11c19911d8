package services

import (
	"math"
	"strings"
	"unicode"
)

// firstPersonPronouns are matched as whole words, case-insensitively.
var firstPersonPronouns = map[string]struct{}{
	"i": {}, "me": {}, "my": {}, "mine": {}, "myself": {},
	"i'm": {}, "i've": {}, "i'd": {}, "i'll": {},
}

// vulnerabilityKeywords are matched as substrings, one hit per keyword.
var vulnerabilityKeywords = []string{
	"ashamed", "sorry", "regret", "fear", "alone", "embarrass", "hid", "secret",
}

const (
	scoreLengthCap     = 200
	scoreLengthPoints  = 30
	scorePronounPoints = 8
	scoreKeywordPoints = 12
	scoreBangPenalty   = 6
)

// ExposureScore is the heuristic vulnerability metric used in mirrored
// adjudication. It is a proxy, not semantic analysis; verdicts are only
// reproducible if the constants stay fixed.
func ExposureScore(text string) int {
	if text == "" {
		return 0
	}

	length := float64(len([]rune(text)))
	score := math.Min(length, scoreLengthCap) / scoreLengthCap * scoreLengthPoints

	lower := strings.ToLower(text)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	})
	for _, w := range words {
		w = strings.Trim(w, "'")
		if _, ok := firstPersonPronouns[w]; ok {
			score += scorePronounPoints
		}
	}

	for _, kw := range vulnerabilityKeywords {
		if strings.Contains(lower, kw) {
			score += scoreKeywordPoints
		}
	}

	score -= float64(strings.Count(text, "!")) * scoreBangPenalty

	if score < 0 {
		return 0
	}
	return int(math.Round(score))
}
