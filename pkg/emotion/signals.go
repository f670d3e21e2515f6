package emotion

import "strings"

type weightedPhrase struct {
	phrase string
	weight float64
}

// Resolution phrases. A single strong apology is enough; weaker phrases
// need to combine.
var resolutionPhrases = []weightedPhrase{
	{"sorry", 0.6}, {"apologize", 0.6}, {"apologise", 0.6}, {"my fault", 0.6},
	{"forgive me", 0.6}, {"i was wrong", 0.6}, {"make it up to you", 0.5},
	{"let's make up", 0.5}, {"didn't mean", 0.4}, {"i understand", 0.2},
	{"对不起", 0.6}, {"抱歉", 0.6}, {"我错了", 0.6}, {"原谅我", 0.6}, {"不好意思", 0.4},
	{"ごめん", 0.6}, {"すみません", 0.5},
}

var hostilePhrases = []weightedPhrase{
	{"shut up", 0.6}, {"hate you", 0.7}, {"leave me alone", 0.5},
	{"whatever", 0.3}, {"annoying", 0.4}, {"stupid", 0.5}, {"don't care", 0.4},
	{"滚", 0.6}, {"烦死了", 0.5}, {"讨厌你", 0.6}, {"闭嘴", 0.6},
}

const signalThreshold = 0.5

func score(text string, phrases []weightedPhrase) float64 {
	lower := strings.ToLower(text)
	var s float64
	for _, p := range phrases {
		if strings.Contains(lower, p.phrase) {
			s += p.weight
		}
	}
	return s
}

// DetectResolution reports whether a user message reads as an apology or
// an attempt at reconciliation.
func DetectResolution(text string) bool {
	return score(text, resolutionPhrases) >= signalThreshold
}

// DetectHostility reports whether a user message reads as hostile.
func DetectHostility(text string) bool {
	return score(text, hostilePhrases) >= signalThreshold
}
