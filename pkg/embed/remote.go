package embed

import (
	"context"
	"fmt"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI embedding models.
const (
	ModelOpenAI3Small = "text-embedding-3-small"
	ModelOpenAI3Large = "text-embedding-3-large"
)

// DashScope embedding models. v3 and v4 accept a dimension parameter.
const (
	ModelDashScopeV4 = "text-embedding-v4"
	ModelDashScopeV3 = "text-embedding-v3"
)

const (
	openAIMaxBatch    = 2048
	dashScopeMaxBatch = 10
	dashScopeBaseURL  = "https://dashscope.aliyuncs.com/compatible-mode/v1"
)

// Remote implements [Embedder] against an OpenAI-compatible /embeddings
// endpoint. OpenAI, DashScope and SiliconFlow all speak this protocol and
// differ only in base URL, default model and per-request input limit.
type Remote struct {
	client   *openai.Client
	provider string
	model    string
	dim      int
	maxBatch int
}

var _ Embedder = (*Remote)(nil)

// NewOpenAI creates an embedder for the OpenAI API.
func NewOpenAI(apiKey string, opts ...Option) *Remote {
	cfg := config{
		model:      ModelOpenAI3Small,
		dim:        1536,
		httpClient: http.DefaultClient,
	}
	return newRemote("openai", apiKey, openAIMaxBatch, cfg, opts)
}

// NewDashScope creates an embedder for Aliyun DashScope's compatible mode.
func NewDashScope(apiKey string, opts ...Option) *Remote {
	cfg := config{
		model:      ModelDashScopeV4,
		dim:        1024,
		baseURL:    dashScopeBaseURL,
		httpClient: http.DefaultClient,
	}
	return newRemote("dashscope", apiKey, dashScopeMaxBatch, cfg, opts)
}

func newRemote(provider, apiKey string, maxBatch int, cfg config, opts []Option) *Remote {
	for _, o := range opts {
		o(&cfg)
	}
	clientOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithHTTPClient(cfg.httpClient),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(cfg.baseURL))
	}
	client := openai.NewClient(clientOpts...)
	return &Remote{
		client:   &client,
		provider: provider,
		model:    cfg.model,
		dim:      cfg.dim,
		maxBatch: maxBatch,
	}
}

func (r *Remote) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyInput
	}
	vecs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch splits texts by the provider's per-request limit.
func (r *Remote) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, ErrEmptyInput
	}
	out := make([][]float32, len(texts))
	for i := 0; i < len(texts); i += r.maxBatch {
		end := min(i+r.maxBatch, len(texts))
		vecs, err := r.call(ctx, texts[i:end])
		if err != nil {
			return nil, fmt.Errorf("embed: %s [%d:%d]: %w", r.provider, i, end, err)
		}
		copy(out[i:], vecs)
	}
	return out, nil
}

func (r *Remote) Dimension() int { return r.dim }

// Model returns the model identifier sent with each request.
func (r *Remote) Model() string { return r.model }

func (r *Remote) call(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := r.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Model:          r.model,
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Dimensions:     openai.Int(int64(r.dim)),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, err
	}
	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= int64(len(texts)) {
			return nil, fmt.Errorf("%w: index %d for batch of %d", ErrMalformedResponse, item.Index, len(texts))
		}
		v := make([]float32, len(item.Embedding))
		for j, f := range item.Embedding {
			v[j] = float32(f)
		}
		vecs[item.Index] = v
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("%w: missing index %d", ErrMalformedResponse, i)
		}
	}
	return vecs, nil
}
