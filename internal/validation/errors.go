package validation

import (
	"fmt"
	"strings"
)

// Code classifies a validation failure.
type Code string

const (
	CodeMissingRequiredField Code = "MISSING_REQUIRED_FIELD"
	CodeEmptyRequiredField   Code = "EMPTY_REQUIRED_FIELD"
	CodeInvalidDataType      Code = "INVALID_DATA_TYPE"
	CodePayloadTooLarge      Code = "PAYLOAD_TOO_LARGE"
	CodeDuplicateRequest     Code = "DUPLICATE_REQUEST"
	CodeInvalidFormat        Code = "INVALID_FORMAT"
	CodeInvalidTicketNumber  Code = "INVALID_TICKET_NUMBER"
	CodeInvalidLimit         Code = "INVALID_LIMIT"
)

// Error is a single field-level validation failure.
type Error struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    Code   `json:"code"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// Errors is the accumulated result of a validation pass.
type Errors []*Error

// Error implements the error interface.
func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// HasCode reports whether any error carries code.
func (es Errors) HasCode(code Code) bool {
	for _, e := range es {
		if e.Code == code {
			return true
		}
	}
	return false
}

// Without returns the errors whose code is not code.
func (es Errors) Without(code Code) Errors {
	out := make(Errors, 0, len(es))
	for _, e := range es {
		if e.Code != code {
			out = append(out, e)
		}
	}
	return out
}

// Fields lists the fields that failed, in order.
func (es Errors) Fields() []string {
	fields := make([]string, len(es))
	for i, e := range es {
		fields[i] = e.Field
	}
	return fields
}

func newError(field string, code Code, format string, args ...any) *Error {
	return &Error{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
}
