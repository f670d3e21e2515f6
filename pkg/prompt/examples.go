package prompt

import (
	"math/rand/v2"
	"slices"
	"sync"

	"github.com/haivivi/companion/pkg/persona"
)

// DefaultExampleCount is how many few-shot dialogues go into a response
// prompt.
const DefaultExampleCount = 3

// TagAny marks an example as relevant in every situation. Untagged
// examples are treated the same way.
const TagAny = "any"

// ExampleSelector samples few-shot dialogues. Sampling is random so turns
// vary; seed the source to make it reproducible. Safe for concurrent use.
type ExampleSelector struct {
	mu  sync.Mutex
	rng *rand.Rand
	n   int
}

// NewExampleSelector returns a selector drawing n examples from src. A nil
// src is seeded randomly; n <= 0 means DefaultExampleCount.
func NewExampleSelector(src rand.Source, n int) *ExampleSelector {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	if n <= 0 {
		n = DefaultExampleCount
	}
	return &ExampleSelector{rng: rand.New(src), n: n}
}

// Select picks up to n examples. Examples carrying one of tags are drawn
// first, then general ones fill the remaining slots. Examples tagged only
// for other situations are never picked. The result keeps the persona's
// authored order.
func (s *ExampleSelector) Select(examples []persona.Example, tags ...string) []persona.Example {
	var matched, general []int
	for i, ex := range examples {
		switch {
		case len(ex.Tags) == 0 || slices.Contains(ex.Tags, TagAny):
			general = append(general, i)
		case hasAny(ex.Tags, tags):
			matched = append(matched, i)
		}
	}

	s.mu.Lock()
	picked := s.sample(matched, s.n)
	picked = append(picked, s.sample(general, s.n-len(picked))...)
	s.mu.Unlock()

	slices.Sort(picked)
	out := make([]persona.Example, len(picked))
	for i, idx := range picked {
		out[i] = examples[idx]
	}
	return out
}

// sample draws up to k of idx without replacement. s.mu must be held.
func (s *ExampleSelector) sample(idx []int, k int) []int {
	if k <= 0 || len(idx) == 0 {
		return nil
	}
	s.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
	return idx[:min(k, len(idx))]
}

func hasAny(have, want []string) bool {
	for _, w := range want {
		if w != "" && slices.Contains(have, w) {
			return true
		}
	}
	return false
}
