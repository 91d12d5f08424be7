/**
 * @description
 * Error kinds returned by payment providers. Callers must be able to tell a
 * broken environment (never retried) from a transient provider failure
 * (queued for retry), so the two are distinct types.
 */
package payments

import (
	"errors"
	"fmt"

	"github.com/habithero/reward-service/internal/domain"
)

// ConfigurationError means the provider cannot be used at all in this
// environment, e.g. missing credentials. It is never retried.
type ConfigurationError struct {
	Provider domain.Provider
	Missing  string
}

func (e *ConfigurationError) Error() string {
	if e.Missing == "" {
		return fmt.Sprintf("payment provider %q is not configured", e.Provider)
	}
	return fmt.Sprintf("payment provider %q is not configured: missing %s", e.Provider, e.Missing)
}

// ProviderError is a non-2xx response, a transport failure or an unreadable
// provider response. It is eligible for retry.
type ProviderError struct {
	Provider   domain.Provider
	StatusCode int
	Code       string
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("%s api error (status %d): %s - %s", e.Provider, e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s api error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("%s request failed: %v", e.Provider, e.Err)
	default:
		return fmt.Sprintf("%s request failed: %s", e.Provider, e.Message)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is (or wraps) a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsRetryable reports whether a failed send should be queued for retry.
func IsRetryable(err error) bool {
	if err == nil || IsConfigurationError(err) {
		return false
	}
	var provErr *ProviderError
	return errors.As(err, &provErr)
}

func transportError(provider domain.Provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Message: op, Err: fmt.Errorf("%s: %w", op, err)}
}
