package storage

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the storage layer.
var (
	// ErrNotFound indicates the addressed row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a duplicate stable key.
	ErrConflict = errors.New("conflict")
)

// WrapIfConflict wraps a database error as ErrConflict if it represents a
// unique constraint violation. This detects UNIQUE errors from SQLite drivers
// and duplicate key errors from PostgreSQL.
func WrapIfConflict(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "duplicate") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

// LikePattern turns search criteria into a lower-case LIKE pattern with
// wildcards escaped by backslash.
func LikePattern(criteria string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(criteria)) + "%"
}
