package validation

import (
	"strings"

	"github.com/fyrsmithlabs/triage/internal/ticket"
)

// Placeholders substituted for empty required text fields.
const (
	DefaultDescription = "No description provided"
	DefaultTitle       = "Untitled Issue"
	truncationMarker   = "..."
)

// Repair returns a copy of rec with the repairable errors in errs fixed:
// oversized text is truncated with a trailing marker, empty title and
// description get placeholders, unparseable integers become 0 and excess
// labels are dropped. Other errors are left for the caller to reject on.
func (v *Validator) Repair(rec ticket.Record, errs Errors) ticket.Record {
	fixed := rec.Clone()
	for _, e := range errs {
		switch e.Code {
		case CodePayloadTooLarge:
			switch e.Field {
			case ticket.FieldDescription:
				fixed[e.Field] = truncate(fixed[e.Field], v.limits.MaxDescriptionLength)
			case ticket.FieldTitle:
				fixed[e.Field] = truncate(fixed[e.Field], v.limits.MaxTitleLength)
			case ticket.FieldLabels:
				if labels, ok := fixed[e.Field].([]string); ok {
					fixed[e.Field] = labels[:v.limits.MaxLabelsCount]
				}
			}
		case CodeEmptyRequiredField:
			switch e.Field {
			case ticket.FieldDescription:
				fixed[e.Field] = DefaultDescription
			case ticket.FieldTitle:
				fixed[e.Field] = DefaultTitle
			}
		case CodeInvalidDataType:
			switch e.Field {
			case ticket.FieldNumber, ticket.FieldCommentsCount:
				n, err := toInt(fixed[e.Field])
				if err != nil {
					n = 0
				}
				fixed[e.Field] = n
			}
		}
	}
	return fixed
}

// Repairable reports whether Repair can fix every error in errs.
func Repairable(errs Errors) bool {
	for _, e := range errs {
		switch {
		case e.Code == CodePayloadTooLarge && e.Field != ticket.FieldCommentsCount:
		case e.Code == CodeEmptyRequiredField && (e.Field == ticket.FieldDescription || e.Field == ticket.FieldTitle):
		default:
			return false
		}
	}
	return true
}

func truncate(val any, max int) any {
	s, ok := val.(string)
	if !ok {
		return val
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	var b strings.Builder
	b.WriteString(string(runes[:max]))
	b.WriteString(truncationMarker)
	return b.String()
}
