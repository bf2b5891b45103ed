package llm

import (
	"errors"
	"fmt"
)

var (
	// ErrRateLimited marks a provider failure whose last attempt was answered with HTTP 429.
	ErrRateLimited = errors.New("rate limited by LLM provider")
	// ErrProviderUnavailable is returned when the requested provider is disabled or lacks credentials.
	ErrProviderUnavailable = errors.New("LLM provider is not available")
	// ErrNoProviders is returned when no provider at all is usable.
	ErrNoProviders = errors.New("no LLM provider is configured")
)

// HTTPError is a non-2xx answer from a provider.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	if e == nil {
		return "upstream http error"
	}
	if e.Body == "" {
		return fmt.Sprintf("upstream http error: status=%d", e.StatusCode)
	}
	return fmt.Sprintf("upstream http error: status=%d body=%s", e.StatusCode, e.Body)
}

// ProviderError is the single failure surfaced by the gateway: retries exhausted, a
// non-retryable client error, or a misconfigured provider.
type ProviderError struct {
	Provider ProviderType
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	name := string(e.Provider)
	if name == "" {
		name = "unknown"
	}
	if e.Attempts > 0 {
		return fmt.Sprintf("llm provider %s failed after %d attempt(s): %v", name, e.Attempts, e.Err)
	}
	return fmt.Sprintf("llm provider %s: %v", name, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status of the underlying failure, or 0 when there was none.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
