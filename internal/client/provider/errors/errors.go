// Package errors provides custom provider error types.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

type (
	// ProviderError reports a failed or unrecognized provider interaction.
	// Raw holds the provider reply verbatim and may be empty for transport failures.
	ProviderError struct {
		Op         string
		Raw        string
		StatusCode int
		Err        error
	}
	// ProviderTimeoutError reports a provider call that ran out of time.
	// It unwraps to a *ProviderError so it also matches the general case.
	ProviderTimeoutError struct {
		ProviderError
	}
)

func (e *ProviderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("provider %s failed: %s", e.Op, e.Err.Error())
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s rejected with HTTP %d: %q", e.Op, e.StatusCode, e.Raw)
	}
	return fmt.Sprintf("provider %s rejected: %q", e.Op, e.Raw)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderTimeoutError) Error() string {
	return fmt.Sprintf("provider %s timed out", e.Op)
}

func (e *ProviderTimeoutError) Unwrap() error {
	return &e.ProviderError
}

// Rejected returns an error for a provider reply that is not a recognized success.
func Rejected(op, raw string) error {
	return &ProviderError{Op: op, Raw: raw}
}

// FromTransport converts a transport failure into a provider error with the
// request URL stripped, since the URL carries the API key.
func FromTransport(op string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &ProviderTimeoutError{ProviderError{Op: op, Err: err}}
	}
	return &ProviderError{Op: op, Err: err}
}
