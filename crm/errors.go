package crm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

type ErrorClass string

const (
	ClassAuth       ErrorClass = "auth"
	ClassRateLimit  ErrorClass = "rate_limit"
	ClassSchema     ErrorClass = "schema"
	ClassTransient  ErrorClass = "transient"
	ClassValidation ErrorClass = "validation"
	ClassNotFound   ErrorClass = "not_found"
	ClassUnknown    ErrorClass = "unknown"
)

// Schema error codes.
const (
	SchemaCodeDuplicateField  = "DUPLICATE_FIELD"
	SchemaCodeInvalidPicklist = "INVALID_PICKLIST"
	SchemaCodeUnknownField    = "UNKNOWN_FIELD"
	SchemaCodeFieldLimit      = "FIELD_LIMIT"
	SchemaCodeInvalidValue    = "INVALID_VALUE"
)

// AuthError means the CRM rejected the credential.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crm auth: %s: %v", e.Message, e.Err)
	}
	return "crm auth: " + e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// RateLimitError carries the server-advised wait. RetryAfter is zero when the
// server gave no hint.
type RateLimitError struct {
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("crm rate limited (retry after %s): %s", e.RetryAfter, e.Message)
}

// SchemaError is a field-level problem: unknown field, bad picklist value,
// duplicate field on creation.
type SchemaError struct {
	Code    string
	Field   string
	Message string
}

func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("crm schema %s (%s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("crm schema %s: %s", e.Code, e.Message)
}

// TransientNetworkError is worth retrying later: timeouts, resets, 5xx.
// RetryAfter is set when the server asked for a wait longer than the caller
// is willing to block; the next attempt should not start before it.
type TransientNetworkError struct {
	Message    string
	Err        error
	RetryAfter time.Duration
}

func (e *TransientNetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("crm transient: %s: %v", e.Message, e.Err)
	}
	return "crm transient: " + e.Message
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ValidationError is permanent for the given payload. Retrying is pointless.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Message
}

type NotFoundError struct {
	Module string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("crm record %s/%s not found", e.Module, e.ID)
}

// Classify maps any error onto the taxonomy. Context deadlines and network
// errors count as transient.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var (
		authErr       *AuthError
		rateErr       *RateLimitError
		schemaErr     *SchemaError
		transientErr  *TransientNetworkError
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		netErr        net.Error
	)
	switch {
	case errors.As(err, &authErr):
		return ClassAuth
	case errors.As(err, &rateErr):
		return ClassRateLimit
	case errors.As(err, &schemaErr):
		return ClassSchema
	case errors.As(err, &validationErr):
		return ClassValidation
	case errors.As(err, &notFoundErr):
		return ClassNotFound
	case errors.As(err, &transientErr):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr):
		return ClassTransient
	}
	return ClassUnknown
}

// DeferredBy returns the server-advised delay carried by a rate limit that was
// too long to wait out in-process, or zero.
func DeferredBy(err error) time.Duration {
	var transientErr *TransientNetworkError
	if errors.As(err, &transientErr) {
		return transientErr.RetryAfter
	}
	return 0
}

// Retryable reports whether the coordinator should schedule another attempt.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassValidation:
		return false
	}
	return err != nil
}
