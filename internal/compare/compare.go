// Package compare decides whether two versions of a tiddler differ in a
// way a user would notice, as opposed to churn from the save cycle.
package compare

import (
	"strings"
	"time"

	"github.com/starford/tidsync/internal/models"
	"github.com/starford/tidsync/internal/tidfile"
)

// autoManaged fields change on every save and never count as edits.
var autoManaged = map[string]struct{}{
	models.FieldModified: {},
	"revision":           {},
	"bag":                {},
	models.FieldCreated:  {},
}

// IsAutoManaged reports whether field is excluded from change detection.
func IsAutoManaged(field string) bool {
	_, ok := autoManaged[field]
	return ok
}

// HasMeaningfulChange reports whether next differs from prev in any field
// other than the auto-managed ones. A nil side always counts as changed.
func HasMeaningfulChange(prev, next *models.Tiddler) bool {
	if prev == nil || next == nil {
		return true
	}
	if len(prev.Text) != len(next.Text) {
		return true
	}

	a := withoutAutoManaged(prev.FieldMap())
	b := withoutAutoManaged(next.FieldMap())

	// Symmetric difference of field names.
	for k := range a {
		if _, ok := b[k]; !ok {
			return true
		}
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			return true
		}
	}

	for k, av := range a {
		if !DeepEqual(av, b[k]) {
			return true
		}
	}
	return false
}

func withoutAutoManaged(fields map[string]any) map[string]any {
	for k := range fields {
		if IsAutoManaged(k) {
			delete(fields, k)
		}
	}
	return fields
}

var dateStripper = strings.NewReplacer(".", "", ":", "", "-", "", "T", "", "Z", "")

// DeepEqual compares two field values across the on-disk and in-memory
// encodings: a title-list string equals the []string it stringifies to,
// and a compact date string equals the time.Time for the same instant.
// Unknown shapes compare unequal.
func DeepEqual(a, b any) bool {
	switch av := a.(type) {
	case string:
		switch bv := b.(type) {
		case string:
			return av == bv
		case []string:
			return listEqual(av, bv)
		case time.Time:
			return dateEqual(av, bv)
		}
	case []string:
		switch bv := b.(type) {
		case string:
			return listEqual(bv, av)
		case []string:
			return tidfile.StringifyList(av) == tidfile.StringifyList(bv)
		}
	case time.Time:
		switch bv := b.(type) {
		case string:
			return dateEqual(bv, av)
		case time.Time:
			return av.Equal(bv)
		}
	case nil:
		return b == nil
	}
	return false
}

func listEqual(s string, list []string) bool {
	if s == tidfile.StringifyList(list) {
		return true
	}
	return tidfile.StringifyList(tidfile.ParseStringArray(s)) == tidfile.StringifyList(list)
}

func dateEqual(s string, t time.Time) bool {
	return dateStripper.Replace(s) == dateStripper.Replace(tidfile.ISODate(t))
}

// EqualTiddlers reports round-trip equality over every field, auto-managed
// ones included.
func EqualTiddlers(a, b *models.Tiddler) bool {
	if a == nil || b == nil {
		return a == b
	}
	af, bf := a.FieldMap(), b.FieldMap()
	if len(af) != len(bf) {
		return false
	}
	for k, v := range af {
		w, ok := bf[k]
		if !ok || !DeepEqual(v, w) {
			return false
		}
	}
	return true
}
