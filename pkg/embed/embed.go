// Package embed turns text into vectors for semantic memory search.
//
// An [Embedder] is the raw remote API. [Service] wraps an Embedder with the
// behavior the memory layer relies on: inputs are truncated to a character
// ceiling, sent in fixed-size batches, and a bad item never fails its
// neighbours. [CosineSimilarity] and [FindMostSimilar] are the local vector
// math used for ranking.
//
//	e := embed.NewDashScope("sk-xxx", embed.WithModel(embed.ModelDashScopeV4))
//	svc := embed.NewService(e, embed.ServiceConfig{})
//	results := svc.Embed(ctx, []string{"likes rainy days", "has a cat"})
package embed

import (
	"context"
	"errors"
)

// Embedder converts text into dense float32 vectors.
type Embedder interface {
	// Embed returns the embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns one vector per text, in order. An error fails the
	// whole batch.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the output vectors.
	Dimension() int
}

var (
	// ErrEmptyInput is returned when the input text is empty.
	ErrEmptyInput = errors.New("embed: empty input")

	// ErrMalformedResponse is returned when the API response does not carry
	// exactly one vector per input.
	ErrMalformedResponse = errors.New("embed: malformed response")
)
