package domain

import (
	"errors"
	"fmt"
)

// Stable error codes returned to API callers.
const (
	CodeAggregationInProgress = "AggregationInProgress"
	CodePurgeInProgress       = "PurgeInProgress"
	CodeInvalidPageNumber     = "InvalidPageNumber"
	CodeInvalidPageSize       = "InvalidPageSize"
	CodeInvalidSearchCriteria = "InvalidSearchCriteria"
	CodeUnknownCategory       = "UnknownCategory"
	CodeValidation            = "ValidationFailed"
	CodeUpstreamFetchFailed   = "UpstreamFetchFailed"
	CodeMappingFailed         = "MappingFailed"
	CodePersistenceFailed     = "PersistenceFailed"
	CodeInternal              = "InternalError"
)

// Coded is implemented by every error in the taxonomy.
type Coded interface {
	error
	Code() string
}

// CodeOf returns the stable code of err, or CodeInternal.
func CodeOf(err error) string {
	var c Coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return CodeInternal
}

// ConflictError is returned when a category is mid-aggregation or mid-purge.
type ConflictError struct {
	Category   Category
	InProgress Operation
}

func (e *ConflictError) Error() string {
	switch e.InProgress {
	case OperationPurge:
		return fmt.Sprintf("purge of %s is in progress", e.Category)
	default:
		return fmt.Sprintf("aggregation of %s is in progress", e.Category)
	}
}

// Code names the operation holding the category.
func (e *ConflictError) Code() string {
	if e.InProgress == OperationPurge {
		return CodePurgeInProgress
	}
	return CodeAggregationInProgress
}

// ValidationError reports malformed paging, search or category input.
type ValidationError struct {
	Field   string
	Reason  string
	ErrCode string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Code() string {
	if e.ErrCode == "" {
		return CodeValidation
	}
	return e.ErrCode
}

// UpstreamFetchError aborts a pagination walk on a non-success status or a
// malformed body.
type UpstreamFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *UpstreamFetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream fetch %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream fetch %s: %v", e.URL, e.Err)
}

func (e *UpstreamFetchError) Unwrap() error { return e.Err }
func (e *UpstreamFetchError) Code() string  { return CodeUpstreamFetchFailed }

// MappingError marks a single record that could not be canonicalized.
type MappingError struct {
	Shape    string
	RecordID string
	Err      error
}

func (e *MappingError) Error() string {
	if e.RecordID == "" {
		return fmt.Sprintf("map %s record: %v", e.Shape, e.Err)
	}
	return fmt.Sprintf("map %s record %q: %v", e.Shape, e.RecordID, e.Err)
}

func (e *MappingError) Unwrap() error { return e.Err }
func (e *MappingError) Code() string  { return CodeMappingFailed }

// PersistenceError wraps a failed store round trip or commit.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("persist %s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Code() string  { return CodePersistenceFailed }
