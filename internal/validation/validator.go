// Package validation guards the pipeline against malformed, oversized and
// duplicate ticket payloads.
//
// Validate never panics and reports every failure it finds instead of
// stopping at the first. It coerces string-encoded integers and non-string
// scalars in place, so callers that need the original record must clone it
// first.
package validation

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/fyrsmithlabs/triage/internal/ticket"
	"go.uber.org/zap"
)

// Limits bounds the size of accepted ticket fields.
type Limits struct {
	MaxDescriptionLength int `json:"max_description_length"`
	MaxTitleLength       int `json:"max_title_length"`
	MaxCommentsCount     int `json:"max_comments_count"`
	MaxLabelsCount       int `json:"max_labels_count"`
}

// DefaultLimits returns the standard payload limits.
func DefaultLimits() Limits {
	return Limits{
		MaxDescriptionLength: 10000,
		MaxTitleLength:       200,
		MaxCommentsCount:     1000,
		MaxLabelsCount:       20,
	}
}

type fieldKind int

const (
	kindInt fieldKind = iota
	kindString
	kindList
)

// RequiredFields must be present and non-empty.
var RequiredFields = []string{
	ticket.FieldNumber,
	ticket.FieldTitle,
	ticket.FieldDescription,
	ticket.FieldCreatedTime,
	ticket.FieldState,
}

// fieldKinds is ordered so coercion errors come out deterministically.
var fieldKinds = []struct {
	name string
	kind fieldKind
}{
	{ticket.FieldNumber, kindInt},
	{ticket.FieldTitle, kindString},
	{ticket.FieldDescription, kindString},
	{ticket.FieldPriority, kindString},
	{ticket.FieldOwner, kindString},
	{ticket.FieldCreatedTime, kindString},
	{ticket.FieldUpdatedTime, kindString},
	{ticket.FieldState, kindString},
	{ticket.FieldCommentsCount, kindInt},
	{ticket.FieldLabels, kindList},
}

var (
	validPriorities = []string{"P1", "P2", "P3", "P4"}
	validStates     = []string{"open", "closed", "reopened"}
)

// Validator validates ticket records and tracks which ticket numbers have
// already been processed in this session.
type Validator struct {
	limits Limits
	logger *zap.Logger

	mu        sync.RWMutex
	processed map[int]struct{}
}

// Option configures a Validator.
type Option func(*Validator)

// WithLimits overrides the payload limits.
func WithLimits(l Limits) Option {
	return func(v *Validator) {
		v.limits = l
	}
}

// New creates a Validator with an empty processed set.
func New(logger *zap.Logger, opts ...Option) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	v := &Validator{
		limits:    DefaultLimits(),
		logger:    logger,
		processed: make(map[int]struct{}),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Limits returns the configured payload limits.
func (v *Validator) Limits() Limits {
	return v.limits
}

// Validate runs every check against rec and returns all failures. Integer
// fields given as strings are converted in place.
func (v *Validator) Validate(rec ticket.Record) (bool, Errors) {
	var errs Errors
	errs = append(errs, v.checkRequired(rec)...)
	errs = append(errs, v.coerceTypes(rec)...)
	errs = append(errs, v.checkSizes(rec)...)
	errs = append(errs, v.checkDuplicate(rec)...)
	errs = append(errs, v.checkFormats(rec)...)

	number := rec[ticket.FieldNumber]
	if len(errs) > 0 {
		v.logger.Warn("ticket validation failed",
			zap.Any("ticket_number", number),
			zap.Int("error_count", len(errs)),
			zap.Strings("fields", errs.Fields()),
		)
		for _, e := range errs {
			v.logger.Debug("validation error detail",
				zap.Any("ticket_number", number),
				zap.String("field", e.Field),
				zap.String("code", string(e.Code)),
				zap.String("message", e.Message),
			)
		}
	} else {
		v.logger.Info("ticket validation passed", zap.Any("ticket_number", number))
	}

	return len(errs) == 0, errs
}

func (v *Validator) checkRequired(rec ticket.Record) Errors {
	var errs Errors
	for _, field := range RequiredFields {
		val, ok := rec[field]
		if !ok || val == nil {
			errs = append(errs, newError(field, CodeMissingRequiredField, "Required field '%s' is missing", field))
			continue
		}
		if s, isStr := val.(string); isStr && strings.TrimSpace(s) == "" {
			errs = append(errs, newError(field, CodeEmptyRequiredField, "Required field '%s' cannot be empty", field))
		}
	}
	return errs
}

func (v *Validator) coerceTypes(rec ticket.Record) Errors {
	var errs Errors
	for _, fk := range fieldKinds {
		val, ok := rec[fk.name]
		if !ok || val == nil {
			continue
		}
		switch fk.kind {
		case kindInt:
			n, err := toInt(val)
			if err != nil {
				errs = append(errs, newError(fk.name, CodeInvalidDataType, "Invalid data type for '%s': %v", fk.name, err))
				continue
			}
			rec[fk.name] = n
		case kindString:
			if _, isStr := val.(string); !isStr {
				rec[fk.name] = fmt.Sprint(val)
			}
		case kindList:
			switch l := val.(type) {
			case []string:
			case []any:
				labels := make([]string, len(l))
				for i, item := range l {
					labels[i] = fmt.Sprint(item)
				}
				rec[fk.name] = labels
			default:
				errs = append(errs, newError(fk.name, CodeInvalidDataType, "Field '%s' must be a list, got %T", fk.name, val))
			}
		}
	}
	return errs
}

func (v *Validator) checkSizes(rec ticket.Record) Errors {
	var errs Errors
	if s, ok := rec[ticket.FieldDescription].(string); ok {
		if n := utf8.RuneCountInString(s); n > v.limits.MaxDescriptionLength {
			errs = append(errs, newError(ticket.FieldDescription, CodePayloadTooLarge,
				"Description too long (%d chars). Max allowed: %d", n, v.limits.MaxDescriptionLength))
		}
	}
	if s, ok := rec[ticket.FieldTitle].(string); ok {
		if n := utf8.RuneCountInString(s); n > v.limits.MaxTitleLength {
			errs = append(errs, newError(ticket.FieldTitle, CodePayloadTooLarge,
				"Title too long (%d chars). Max allowed: %d", n, v.limits.MaxTitleLength))
		}
	}
	if n, ok := rec[ticket.FieldCommentsCount].(int); ok && n > v.limits.MaxCommentsCount {
		errs = append(errs, newError(ticket.FieldCommentsCount, CodePayloadTooLarge,
			"Comments count too high (%d). Max allowed: %d", n, v.limits.MaxCommentsCount))
	}
	if labels, ok := rec[ticket.FieldLabels].([]string); ok && len(labels) > v.limits.MaxLabelsCount {
		errs = append(errs, newError(ticket.FieldLabels, CodePayloadTooLarge,
			"Too many labels (%d). Max allowed: %d", len(labels), v.limits.MaxLabelsCount))
	}
	return errs
}

func (v *Validator) checkDuplicate(rec ticket.Record) Errors {
	n, ok := rec[ticket.FieldNumber].(int)
	if !ok || !v.IsProcessed(n) {
		return nil
	}
	return Errors{newError(ticket.FieldNumber, CodeDuplicateRequest,
		"Ticket #%d has already been processed in this session", n)}
}

func (v *Validator) checkFormats(rec ticket.Record) Errors {
	var errs Errors
	if p, ok := rec[ticket.FieldPriority].(string); ok && p != "" && !contains(validPriorities, p) {
		errs = append(errs, newError(ticket.FieldPriority, CodeInvalidFormat,
			"Invalid priority '%s'. Must be one of: %v", p, validPriorities))
	}
	if s, ok := rec[ticket.FieldState].(string); ok && s != "" && !contains(validStates, strings.ToLower(s)) {
		errs = append(errs, newError(ticket.FieldState, CodeInvalidFormat,
			"Invalid state '%s'. Must be one of: %v", s, validStates))
	}
	for _, field := range []string{ticket.FieldCreatedTime, ticket.FieldUpdatedTime} {
		s, ok := rec[field].(string)
		if !ok || s == "" {
			continue
		}
		if _, err := ticket.ParseTime(s); err != nil {
			errs = append(errs, newError(field, CodeInvalidFormat,
				"Invalid date format for '%s'. Expected ISO format", field))
		}
	}
	return errs
}

// MarkProcessed records n so later validations report it as a duplicate.
func (v *Validator) MarkProcessed(n int) {
	v.mu.Lock()
	v.processed[n] = struct{}{}
	v.mu.Unlock()
	v.logger.Info("ticket marked as processed", zap.Int("ticket_number", n))
}

// Claim marks n processed unless it already is, and reports whether this
// call added it. Concurrent requests for one ticket see exactly one true.
func (v *Validator) Claim(n int) bool {
	v.mu.Lock()
	_, seen := v.processed[n]
	if !seen {
		v.processed[n] = struct{}{}
	}
	v.mu.Unlock()
	if !seen {
		v.logger.Info("ticket marked as processed", zap.Int("ticket_number", n))
	}
	return !seen
}

// IsProcessed reports whether n is in the processed set.
func (v *Validator) IsProcessed(n int) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.processed[n]
	return ok
}

// Processed returns the processed ticket numbers in ascending order.
func (v *Validator) Processed() []int {
	v.mu.RLock()
	out := make([]int, 0, len(v.processed))
	for n := range v.processed {
		out = append(out, n)
	}
	v.mu.RUnlock()
	sort.Ints(out)
	return out
}

// ClearProcessed empties the processed set and returns how many entries
// were removed.
func (v *Validator) ClearProcessed() int {
	v.mu.Lock()
	count := len(v.processed)
	v.processed = make(map[int]struct{})
	v.mu.Unlock()
	v.logger.Info("cleared processed tickets", zap.Int("count", count))
	return count
}

// Status summarises validator state for administrative tooling.
type Status struct {
	ProcessedCount   int    `json:"processed_tickets_count"`
	ProcessedTickets []int  `json:"processed_tickets"`
	Limits           Limits `json:"validation_rules"`
}

// Status returns the processed set and configured limits.
func (v *Validator) Status() Status {
	processed := v.Processed()
	return Status{
		ProcessedCount:   len(processed),
		ProcessedTickets: processed,
		Limits:           v.limits,
	}
}

func toInt(val any) (int, error) {
	switch n := val.(type) {
	case int:
		return n, nil
	case int32:
		return int(n), nil
	case int64:
		if int64(int(n)) != n {
			return 0, fmt.Errorf("int out of range: %d", n)
		}
		return int(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.IsNaN(n) {
			return 0, fmt.Errorf("expected int, got non-integral float %v", n)
		}
		// float64(math.MaxInt) rounds up, so the upper bound is exclusive.
		if n < math.MinInt || n >= math.MaxInt {
			return 0, fmt.Errorf("int out of range: %v", n)
		}
		return int(n), nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("invalid literal for int: %q", n)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("expected int, got %T", val)
	}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
