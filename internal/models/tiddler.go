// Package models defines the domain types for tidsync.
package models

import (
	"sort"
	"time"
)

// Core field names the store keeps outside Tiddler.Fields.
const (
	FieldTitle    = "title"
	FieldText     = "text"
	FieldTags     = "tags"
	FieldCreated  = "created"
	FieldModified = "modified"

	// FieldCanonicalURI points at an external attachment file.
	FieldCanonicalURI = "_canonical_uri"
	FieldType         = "type"
)

// Tiddler is one titled content unit. Title is its only stable identity.
type Tiddler struct {
	Title    string            `json:"title"`
	Text     string            `json:"text"`
	Tags     []string          `json:"tags,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Created  time.Time         `json:"created,omitzero"`
	Modified time.Time         `json:"modified,omitzero"`
}

// FieldMap returns the in-memory representation of every field: tags as
// []string, dates as time.Time, everything else as string. Empty tags and
// zero dates are omitted, matching what the engine serializes.
func (t *Tiddler) FieldMap() map[string]any {
	out := make(map[string]any, len(t.Fields)+5)
	for k, v := range t.Fields {
		out[k] = v
	}
	out[FieldTitle] = t.Title
	out[FieldText] = t.Text
	if len(t.Tags) > 0 {
		out[FieldTags] = append([]string(nil), t.Tags...)
	}
	if !t.Created.IsZero() {
		out[FieldCreated] = t.Created
	}
	if !t.Modified.IsZero() {
		out[FieldModified] = t.Modified
	}
	return out
}

// Field returns a non-core field value.
func (t *Tiddler) Field(name string) string {
	if t.Fields == nil {
		return ""
	}
	return t.Fields[name]
}

// HasTag reports whether tag is among the tiddler's direct tags.
func (t *Tiddler) HasTag(tag string) bool {
	for _, v := range t.Tags {
		if v == tag {
			return true
		}
	}
	return false
}

// Clone returns a deep copy.
func (t *Tiddler) Clone() *Tiddler {
	c := *t
	c.Tags = append([]string(nil), t.Tags...)
	if t.Fields != nil {
		c.Fields = make(map[string]string, len(t.Fields))
		for k, v := range t.Fields {
			c.Fields[k] = v
		}
	}
	return &c
}

// SameTags reports whether a and b hold the same tag set, ignoring order.
func SameTags(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	x := append([]string(nil), a...)
	y := append([]string(nil), b...)
	sort.Strings(x)
	sort.Strings(y)
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
