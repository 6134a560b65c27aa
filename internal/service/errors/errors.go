// Package errors provides custom service error types shared by the service layer.
package errors

import (
	"errors"
	"fmt"

	storageErrors "github.com/danilovkiri/dk-go-smsbroker/internal/storage/errors"
)

type (
	ServiceFoundNilArgument struct {
		Msg string
	}
	// CapabilityDeniedError covers a missing allow-list entry, an invalid or used
	// purchase token and an ownership mismatch.
	CapabilityDeniedError struct {
		Msg string
	}
	QuotaExceededError struct {
		UserID string
	}
	NotFoundError struct {
		Msg string
	}
	InvalidInputError struct {
		Msg string
	}
	// InvalidStateError reports an operation that is not defined for the order's current status.
	InvalidStateError struct {
		OrderID string
		Status  string
	}
	UnauthorizedError struct {
		Msg string
	}
)

func (e *ServiceFoundNilArgument) Error() string {
	return e.Msg
}

func (e *CapabilityDeniedError) Error() string {
	return e.Msg
}

func (e *QuotaExceededError) Error() string {
	return "number quota exhausted, ask the administrator to increase your limit"
}

func (e *NotFoundError) Error() string {
	return e.Msg
}

func (e *InvalidInputError) Error() string {
	return e.Msg
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("order %s is %s and cannot be changed", e.OrderID, e.Status)
}

func (e *UnauthorizedError) Error() string {
	return e.Msg
}

// FromStorage translates storage integrity errors into service errors; other
// errors are returned unchanged.
func FromStorage(err error, what string) error {
	var (
		notFound *storageErrors.NotFoundError
		exists   *storageErrors.AlreadyExistsError
	)
	switch {
	case err == nil:
		return nil
	case errors.As(err, &notFound):
		return &NotFoundError{Msg: fmt.Sprintf("%s not found", what)}
	case errors.As(err, &exists):
		return &InvalidInputError{Msg: fmt.Sprintf("%s already exists", what)}
	default:
		return err
	}
}
