// Package apperr defines the error taxonomy shared by ingestion, statistics
// and the query surface, and maps each kind to an HTTP status and code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

type ProviderErrorKind string

const (
	ProviderInvalidRequest ProviderErrorKind = "invalid_request"
	ProviderTransient      ProviderErrorKind = "transient"
	ProviderUnavailable    ProviderErrorKind = "unavailable"
)

// ProviderError is returned by provider clients once retries are exhausted, or
// immediately for requests the provider rejected.
type ProviderError struct {
	Kind     ProviderErrorKind
	Provider string
	Status   int
	Err      error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("provider %s: %s", e.Provider, e.Kind)
	if e.Status > 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Retryable reports whether the caller may try the same request again later.
func (e *ProviderError) Retryable() bool {
	return e.Kind != ProviderInvalidRequest
}

// ConflictError means a run for an overlapping range of the same city is active.
type ConflictError struct {
	City  string
	Start time.Time
	End   time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("ingestion already running for %s overlapping %s..%s",
		e.City, e.Start.Format(time.DateOnly), e.End.Format(time.DateOnly))
}

// NoDataError means the query range holds zero stored observations.
type NoDataError struct {
	City  string
	Start time.Time
	End   time.Time
}

func (e *NoDataError) Error() string {
	return fmt.Sprintf("no weather data for %s between %s and %s",
		e.City, e.Start.Format(time.DateOnly), e.End.Format(time.DateOnly))
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StoreError wraps any persistence failure.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return "store " + e.Op + ": " + e.Err.Error() }
func (e *StoreError) Unwrap() error { return e.Err }

// Store wraps err as a StoreError unless it is nil or already one.
func Store(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}

type NotFoundError struct {
	Resource string
	Name     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.Name)
}

// HTTPStatus maps an error to the status the query surface responds with.
func HTTPStatus(err error) int {
	var (
		pe *ProviderError
		ce *ConflictError
		nd *NoDataError
		ve *ValidationError
		nf *NotFoundError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &ve):
		return http.StatusBadRequest
	case errors.As(err, &nf), errors.As(err, &nd):
		return http.StatusNotFound
	case errors.As(err, &ce):
		return http.StatusConflict
	case errors.As(err, &pe):
		if pe.Kind == ProviderUnavailable {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns a stable machine-readable identifier for err.
func Code(err error) string {
	var (
		pe *ProviderError
		ce *ConflictError
		nd *NoDataError
		ve *ValidationError
		nf *NotFoundError
		se *StoreError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &ve):
		return "validation_error"
	case errors.As(err, &nf):
		return "not_found"
	case errors.As(err, &nd):
		return "no_data"
	case errors.As(err, &ce):
		return "conflict"
	case errors.As(err, &pe):
		return "provider_" + string(pe.Kind)
	case errors.As(err, &se):
		return "store_error"
	default:
		return "internal_error"
	}
}
