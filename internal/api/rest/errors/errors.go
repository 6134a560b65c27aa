// Package errors provides handler error types and the mapping of service
// errors onto HTTP status codes.
package errors

import (
	"context"
	"errors"
	"net/http"

	providerErrors "github.com/danilovkiri/dk-go-smsbroker/internal/client/provider/errors"
	serviceErrors "github.com/danilovkiri/dk-go-smsbroker/internal/service/errors"
	storageErrors "github.com/danilovkiri/dk-go-smsbroker/internal/storage/errors"
)

type (
	HandlersFoundNilArgument struct {
		Msg string
	}
)

func (e *HandlersFoundNilArgument) Error() string {
	return e.Msg
}

// StatusCode maps an error returned by the service layer onto an HTTP status.
// The timeout subtype is checked before the generic provider error it unwraps to.
func StatusCode(err error) int {
	var (
		capabilityDenied *serviceErrors.CapabilityDeniedError
		quotaExceeded    *serviceErrors.QuotaExceededError
		notFound         *serviceErrors.NotFoundError
		invalidInput     *serviceErrors.InvalidInputError
		invalidState     *serviceErrors.InvalidStateError
		unauthorized     *serviceErrors.UnauthorizedError
		providerTimeout  *providerErrors.ProviderTimeoutError
		providerError    *providerErrors.ProviderError
		storageTimeout   *storageErrors.ContextTimeoutExceededError
	)
	switch {
	case errors.As(err, &capabilityDenied):
		return http.StatusForbidden
	case errors.As(err, &quotaExceeded):
		return http.StatusPaymentRequired
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &invalidInput):
		return http.StatusBadRequest
	case errors.As(err, &invalidState):
		return http.StatusConflict
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &providerTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &providerError):
		return http.StatusBadGateway
	case errors.As(err, &storageTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
