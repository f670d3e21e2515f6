package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/googleapis/gax-go/v2/apierror"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

var (
	// ErrRateLimited is returned when the provider throttled the call.
	ErrRateLimited = errors.New("llm: rate limited")

	// ErrTimeout is returned when the call exceeded its deadline.
	ErrTimeout = errors.New("llm: timeout")

	// ErrUnavailable is returned for provider-side 5xx failures.
	ErrUnavailable = errors.New("llm: provider unavailable")

	// ErrTruncated is returned when generation stopped at the token limit.
	ErrTruncated = errors.New("llm: output truncated")

	// ErrRefused is returned when the model refused or was blocked.
	ErrRefused = errors.New("llm: refused")

	// ErrEmpty is returned when the response carried no content.
	ErrEmpty = errors.New("llm: empty response")

	// ErrUnknownModel is returned by [Mux] for unregistered model names.
	ErrUnknownModel = errors.New("llm: unknown model")
)

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrTimeout) ||
		errors.Is(err, ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

// classify maps provider errors onto the package sentinels, keeping the
// original error in the chain.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTimeout, provider, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if code := statusCode(err); code != 0 {
		switch {
		case code == http.StatusTooManyRequests:
			return fmt.Errorf("%w: %s: %w", ErrRateLimited, provider, err)
		case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
			return fmt.Errorf("%w: %s: %w", ErrTimeout, provider, err)
		case code >= 500:
			return fmt.Errorf("%w: %s: %w", ErrUnavailable, provider, err)
		}
	}
	return fmt.Errorf("llm: %s: %w", provider, err)
}

func statusCode(err error) int {
	var oaiErr *openai.Error
	if errors.As(err, &oaiErr) {
		return oaiErr.StatusCode
	}
	var gErr genai.APIError
	if errors.As(err, &gErr) {
		return gErr.Code
	}
	var gaxErr *apierror.APIError
	if errors.As(err, &gaxErr) {
		return gaxErr.HTTPCode()
	}
	return 0
}
