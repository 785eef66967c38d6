package validation

import (
	"strconv"
	"strings"
)

// Bounds for list endpoints.
const (
	MinLimit = 1
	MaxLimit = 100
)

// ValidateTicketNumber accepts a positive integer, or a string holding one.
func ValidateTicketNumber(val any) (int, *Error) {
	n, ok := parseRequestInt(val)
	if !ok {
		return 0, newError("ticket_number", CodeInvalidTicketNumber, "Ticket number must be a valid integer")
	}
	if n <= 0 {
		return 0, newError("ticket_number", CodeInvalidTicketNumber, "Ticket number must be a positive integer")
	}
	return n, nil
}

// ValidateLimit accepts an integer in [MinLimit, MaxLimit].
func ValidateLimit(val any) (int, *Error) {
	n, ok := parseRequestInt(val)
	if !ok {
		return 0, newError("limit", CodeInvalidLimit, "Limit must be a valid integer")
	}
	if n < MinLimit || n > MaxLimit {
		return 0, newError("limit", CodeInvalidLimit, "Limit must be a positive integer between %d and %d", MinLimit, MaxLimit)
	}
	return n, nil
}

func parseRequestInt(val any) (int, bool) {
	switch v := val.(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		return n, err == nil
	default:
		return 0, false
	}
}
