// Package uuid generates and checks operation identifiers.
package uuid

import (
	"regexp"

	"github.com/google/uuid"

	apperrors "github.com/kimhsiao/hrdesk/internal/errors"
)

// Operation ids are lowercase v4 UUIDs: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b].
var operationIDRegex = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)

// New generates a new operation id.
func New() string {
	return uuid.New().String()
}

// IsValid reports whether s has the shape of an id produced by New.
func IsValid(s string) bool {
	return operationIDRegex.MatchString(s)
}

// Validate returns an ErrInvalid AppError when s is not a well-formed id.
func Validate(s string) error {
	if !IsValid(s) {
		return apperrors.New(apperrors.ErrInvalid, "malformed operation id "+quoteShort(s))
	}
	return nil
}

// quoteShort quotes s, truncating long input so it stays readable in errors.
func quoteShort(s string) string {
	const max = 64
	if len(s) > max {
		s = s[:max] + "..."
	}
	return `"` + s + `"`
}
