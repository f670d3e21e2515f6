package embed

import "net/http"

type config struct {
	model      string
	dim        int
	baseURL    string
	httpClient *http.Client
	maxRetries int
}

// Option configures a remote embedder.
type Option func(*config)

// WithModel sets the embedding model name.
func WithModel(model string) Option {
	return func(c *config) { c.model = model }
}

// WithDimension sets the output vector dimensionality.
func WithDimension(dim int) Option {
	return func(c *config) { c.dim = dim }
}

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *config) { c.httpClient = client }
}

// WithMaxRetries sets how many times the client retries a failed request.
// The default of zero leaves retry decisions to [Service].
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}
