package app

import (
	"fmt"
	"net/http"
)

const (
	codeValidation        = "VALIDATION_ERROR"
	codeNotFound          = "NOT_FOUND"
	codeConfiguration     = "CONFIGURATION_ERROR"
	codeRetrievalFailed   = "RETRIEVAL_FAILED"
	codeIntakeUnavailable = "INTAKE_UNAVAILABLE"
)

// DomainError is rendered by the HTTP layer as {"error","message","details"}.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string) *DomainError {
	return domainError(http.StatusBadRequest, codeValidation, message, nil)
}

func notFoundError(what string) *DomainError {
	return domainError(http.StatusNotFound, codeNotFound, what+" not found", nil)
}
