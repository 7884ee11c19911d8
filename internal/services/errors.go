package services

import "errors"

// ErrorCode classifies a ServiceError for transport mapping.
type ErrorCode string

const (
	ErrorInvalid      ErrorCode = "invalid"
	ErrorNotFound     ErrorCode = "not_found"
	ErrorUnauthorized ErrorCode = "unauthorized"
	ErrorConflict     ErrorCode = "conflict"
)

// ServiceError is the error type services return for caller mistakes, as
// opposed to storage or infrastructure failures.
type ServiceError struct {
	Code    ErrorCode
	Message string
}

func (e *ServiceError) Error() string { return string(e.Code) + ": " + e.Message }

func NewInvalidError(msg string) *ServiceError {
	return &ServiceError{Code: ErrorInvalid, Message: msg}
}

func NewNotFoundError(msg string) *ServiceError {
	return &ServiceError{Code: ErrorNotFound, Message: msg}
}

func NewUnauthorizedError(msg string) *ServiceError {
	return &ServiceError{Code: ErrorUnauthorized, Message: msg}
}

func NewConflictError(msg string) *ServiceError {
	return &ServiceError{Code: ErrorConflict, Message: msg}
}

// AsServiceError unwraps err into a ServiceError when one is in the chain.
func AsServiceError(err error) (*ServiceError, bool) {
	if err == nil {
		return nil, false
	}
	var se *ServiceError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}
