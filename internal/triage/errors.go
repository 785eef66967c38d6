package triage

import (
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/triage/internal/validation"
)

var (
	// ErrNotFound is returned when the tracker has no such ticket.
	ErrNotFound = errors.New("ticket not found")

	// ErrDuplicate is returned when a ticket has already been processed.
	ErrDuplicate = errors.New("ticket already processed")

	// ErrNoResult is returned when feedback names a ticket this process has
	// not run through the pipeline.
	ErrNoResult = errors.New("no pipeline result for ticket")
)

// FieldError is a field-level validation failure.
type FieldError = validation.Error

// RequestError is a malformed request parameter.
type RequestError struct {
	*FieldError
}

func (e *RequestError) Error() string { return e.Message }

// ValidationError carries every validation failure of a fetched ticket.
type ValidationError struct {
	Number int
	Errs   validation.Errors
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ticket #%d failed validation: %s", e.Number, e.Errs.Error())
}

// Detail is the structured body returned to API clients.
func (e *ValidationError) Detail() map[string]any {
	errs := e.Errs
	if errs == nil {
		errs = validation.Errors{}
	}
	return map[string]any{
		"message": "Ticket validation failed",
		"errors":  errs,
	}
}
