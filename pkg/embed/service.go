package embed

import (
	"context"
	"log/slog"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxChars is the truncation ceiling applied before embedding.
	DefaultMaxChars = 8000

	// DefaultBatchSize is the number of texts sent per EmbedBatch call.
	DefaultBatchSize = 10
)

// ServiceConfig configures a [Service].
type ServiceConfig struct {
	// MaxChars truncates longer inputs (counted in runes). Zero means
	// DefaultMaxChars.
	MaxChars int

	// BatchSize is the number of texts per upstream call. Zero means
	// DefaultBatchSize.
	BatchSize int

	Logger *slog.Logger
}

// Result is the outcome for one input text. A failed item has an empty
// Vector and a non-nil Err.
type Result struct {
	Index     int
	Vector    []float32
	Truncated bool
	Err       error
}

// OK reports whether the result carries a usable vector.
func (r Result) OK() bool { return r.Err == nil && len(r.Vector) > 0 }

// Service embeds batches of text without letting one bad item fail the
// rest.
type Service struct {
	embedder  Embedder
	maxChars  int
	batchSize int
	logger    *slog.Logger
}

// NewService wraps e.
func NewService(e Embedder, cfg ServiceConfig) *Service {
	s := &Service{
		embedder:  e,
		maxChars:  cfg.MaxChars,
		batchSize: cfg.BatchSize,
		logger:    cfg.Logger,
	}
	if s.maxChars <= 0 {
		s.maxChars = DefaultMaxChars
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Dimension returns the underlying embedder's dimension.
func (s *Service) Dimension() int { return s.embedder.Dimension() }

// Embed returns exactly one Result per input, in input order.
//
// Texts are trimmed and truncated to MaxChars, then sent BatchSize at a
// time. When a batch call fails, its items are retried one by one so only
// the offending items end up with an empty vector.
func (s *Service) Embed(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))
	var (
		pending []int
		inputs  []string
	)
	for i, t := range texts {
		results[i].Index = i
		t = strings.TrimSpace(t)
		if t == "" {
			results[i].Err = ErrEmptyInput
			continue
		}
		t, results[i].Truncated = truncate(t, s.maxChars)
		pending = append(pending, i)
		inputs = append(inputs, t)
	}

	for start := 0; start < len(pending); start += s.batchSize {
		end := min(start+s.batchSize, len(pending))
		idx := pending[start:end]
		batch := inputs[start:end]

		vecs, err := s.embedder.EmbedBatch(ctx, batch)
		if err == nil && len(vecs) == len(batch) {
			for j, v := range vecs {
				results[idx[j]].Vector = v
			}
			continue
		}
		if err == nil {
			err = ErrMalformedResponse
		}
		s.logger.Debug("embed: batch failed, isolating items", "size", len(batch), "err", err)

		for j, text := range batch {
			if cerr := ctx.Err(); cerr != nil {
				results[idx[j]].Err = cerr
				continue
			}
			v, err := s.embedder.Embed(ctx, text)
			if err != nil {
				s.logger.Warn("embed: item failed", "index", idx[j], "err", err)
				results[idx[j]].Err = err
				continue
			}
			results[idx[j]].Vector = v
		}
	}
	return results
}

// EmbedOne embeds a single text through the same truncation path.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	r := s.Embed(ctx, []string{text})[0]
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Vector, nil
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) (string, bool) {
	if utf8.RuneCountInString(s) <= n {
		return s, false
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos], true
		}
		i++
	}
	return s, false
}
