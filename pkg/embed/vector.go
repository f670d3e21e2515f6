package embed

import (
	"cmp"
	"math"
	"slices"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Empty, mismatched-length and zero-norm inputs return 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// Candidate is a vector to rank against a query.
type Candidate struct {
	ID     string
	Vector []float32
}

// Match is a ranked candidate.
type Match struct {
	ID    string
	Index int // position in the candidates slice
	Score float64
}

// FindMostSimilar ranks candidates by cosine similarity to query and returns
// at most topK matches, best first. Candidates without a vector are skipped.
// Ties keep the candidates' original order. topK <= 0 returns all.
func FindMostSimilar(query []float32, candidates []Candidate, topK int) []Match {
	if len(query) == 0 {
		return nil
	}
	matches := make([]Match, 0, len(candidates))
	for i, c := range candidates {
		if len(c.Vector) == 0 {
			continue
		}
		matches = append(matches, Match{ID: c.ID, Index: i, Score: CosineSimilarity(query, c.Vector)})
	}
	slices.SortStableFunc(matches, func(a, b Match) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if topK > 0 && len(matches) > topK {
		matches = matches[:topK]
	}
	return matches
}
