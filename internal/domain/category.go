// Package domain holds the canonical record types, resource categories and
// error taxonomy shared by every layer of the mirror.
package domain

import "strings"

// Category identifies a resource category. Every category has its own
// coordinator state and its own persisted table.
type Category string

const (
	CategorySAML         Category = "saml"
	CategoryOIDC         Category = "oidc"
	CategoryLegacy       Category = "legacy"
	CategoryApplications Category = "applications"
	CategoryUsers        Category = "users"
)

// Categories lists every known category in a stable order.
var Categories = []Category{
	CategorySAML,
	CategoryOIDC,
	CategoryLegacy,
	CategoryApplications,
	CategoryUsers,
}

// ParseCategory resolves a path segment to a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if c.Valid() {
		return c, nil
	}
	return "", &ValidationError{Field: "category", Reason: "unknown category " + quote(s), ErrCode: CodeUnknownCategory}
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// IsConnection reports whether the category stores Connection records.
func (c Category) IsConnection() bool {
	return c == CategorySAML || c == CategoryOIDC || c == CategoryLegacy
}

// ConnectionKind returns the connection kind for a connection category.
func (c Category) ConnectionKind() (ConnectionKind, bool) {
	if !c.IsConnection() {
		return "", false
	}
	return ConnectionKind(c), true
}

func (c Category) String() string { return string(c) }

// Operation is a mutating operation run against a category.
type Operation string

const (
	OperationAggregate Operation = "aggregate"
	OperationPurge     Operation = "purge"
)

func quote(s string) string { return `"` + s + `"` }
