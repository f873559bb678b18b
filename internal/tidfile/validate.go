package tidfile

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/starford/tidsync/internal/apperr"
	"github.com/starford/tidsync/internal/models"
)

// Validate reports whether t survives a write to a .tid or .meta header
// and a read back. Field names must be non-empty and free of whitespace,
// colons and control characters. Titles, tags and field values must not
// contain line breaks; only the text may span lines.
func Validate(t *models.Tiddler) error {
	if hasLineBreak(t.Title) {
		return fmt.Errorf("tidfile: title %q has a line break: %w", t.Title, apperr.ErrInvalidTiddler)
	}
	for _, tag := range t.Tags {
		if hasLineBreak(tag) {
			return fmt.Errorf("tidfile: tag %q has a line break: %w", tag, apperr.ErrInvalidTiddler)
		}
	}
	for name, value := range t.Fields {
		if !validFieldName(name) {
			return fmt.Errorf("tidfile: field name %q: %w", name, apperr.ErrInvalidTiddler)
		}
		if hasLineBreak(value) {
			return fmt.Errorf("tidfile: field %q value has a line break: %w", name, apperr.ErrInvalidTiddler)
		}
	}
	return nil
}

func validFieldName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r == ':' || unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func hasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
