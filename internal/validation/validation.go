// Package validation checks paging and search input for list and search
// requests.
package validation

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"idmirror/internal/domain"
)

// Validation error types for specific error handling.
var (
	ErrEmptyValue    = errors.New("value cannot be empty")
	ErrTooLong       = errors.New("value exceeds maximum length")
	ErrInvalidFormat = errors.New("invalid format")
	ErrOutOfRange    = errors.New("value out of range")
)

// MaxCriteriaLength bounds search criteria, in characters.
const MaxCriteriaLength = 255

// Limits are the paging bounds applied to every request.
type Limits struct {
	DefaultPageSize int
	MaxPageSize     int
}

// DefaultLimits returns the built-in paging bounds.
func DefaultLimits() Limits {
	return Limits{DefaultPageSize: domain.DefaultPageSize, MaxPageSize: domain.MaxPageSize}
}

// FieldError describes a rejected input value.
type FieldError struct {
	Field  string
	Value  string
	Reason string
	Err    error
}

func (e *FieldError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("invalid %s %q: %s", e.Field, truncate(e.Value, 50), e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %v", e.Field, truncate(e.Value, 50), e.Err)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

// toDomain converts a FieldError into the API-facing ValidationError.
func toDomain(fe *FieldError, code string) error {
	return &domain.ValidationError{Field: fe.Field, Reason: fe.Error(), ErrCode: code}
}

// ParsePageParams converts raw query values. Empty values come back as 0,
// meaning "use the default"; anything else must be an integer >= 1.
func ParsePageParams(number, size string) (int, int, error) {
	n, err := parsePositive("pageNumber", number)
	if err != nil {
		return 0, 0, toDomain(err, domain.CodeInvalidPageNumber)
	}
	s, err := parsePositive("pageSize", size)
	if err != nil {
		return 0, 0, toDomain(err, domain.CodeInvalidPageSize)
	}
	return n, s, nil
}

func parsePositive(field, raw string) (int, *FieldError) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &FieldError{Field: field, Value: raw, Reason: "must be an integer", Err: ErrInvalidFormat}
	}
	if v < 1 {
		return 0, &FieldError{Field: field, Value: raw, Reason: "must be at least 1", Err: ErrOutOfRange}
	}
	return v, nil
}

// Page resolves a page request. A zero number or size takes the default
// (page 1, l.DefaultPageSize); negatives are rejected; sizes above
// l.MaxPageSize are clamped. Page numbers whose offset would overflow are
// rejected.
func Page(number, size int, l Limits) (domain.PageRequest, error) {
	if l.MaxPageSize < 1 {
		l.MaxPageSize = domain.MaxPageSize
	}
	if l.DefaultPageSize < 1 {
		l.DefaultPageSize = min(domain.DefaultPageSize, l.MaxPageSize)
	}
	if number < 0 {
		return domain.PageRequest{}, toDomain(&FieldError{Field: "pageNumber", Value: strconv.Itoa(number), Reason: "must be at least 1", Err: ErrOutOfRange}, domain.CodeInvalidPageNumber)
	}
	if size < 0 {
		return domain.PageRequest{}, toDomain(&FieldError{Field: "pageSize", Value: strconv.Itoa(size), Reason: "must be at least 1", Err: ErrOutOfRange}, domain.CodeInvalidPageSize)
	}
	if number == 0 {
		number = 1
	}
	if size == 0 {
		size = l.DefaultPageSize
	}
	size = min(size, l.MaxPageSize)
	if number-1 > math.MaxInt/size {
		return domain.PageRequest{}, toDomain(&FieldError{Field: "pageNumber", Value: strconv.Itoa(number), Reason: "offset out of range", Err: ErrOutOfRange}, domain.CodeInvalidPageNumber)
	}
	return domain.PageRequest{PageNumber: number, PageSize: size}, nil
}

// Criteria trims search criteria and rejects empty or oversized input.
func Criteria(criteria string) (string, error) {
	c := strings.TrimSpace(criteria)
	if c == "" {
		return "", toDomain(&FieldError{Field: "criteria", Value: criteria, Reason: "cannot be empty", Err: ErrEmptyValue}, domain.CodeInvalidSearchCriteria)
	}
	if utf8.RuneCountInString(c) > MaxCriteriaLength {
		return "", toDomain(&FieldError{
			Field:  "criteria",
			Value:  c,
			Reason: fmt.Sprintf("exceeds maximum length of %d characters", MaxCriteriaLength),
			Err:    ErrTooLong,
		}, domain.CodeInvalidSearchCriteria)
	}
	return c, nil
}

// truncate shortens a string for display in error messages.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
