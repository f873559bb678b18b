package tidfile

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/starford/tidsync/internal/models"
)

// TidType is the file type recorded in provenance for .tid files.
const TidType = "application/x-tiddler"

// Ext is the extension of native tiddler files.
const Ext = ".tid"

// MetaExt is the extension of companion metadata files.
const MetaExt = ".meta"

var extTypes = map[string]string{
	".txt":  "text/plain",
	".md":   "text/x-markdown",
	".css":  "text/css",
	".html": "text/html",
	".js":   "application/javascript",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
	".pdf":  "application/pdf",
}

// TypeForExt returns the content type for a file extension, or
// application/octet-stream when unknown.
func TypeForExt(ext string) string {
	if t, ok := extTypes[strings.ToLower(ext)]; ok {
		return t
	}
	return "application/octet-stream"
}

// IsTextType reports whether content of type ct is stored verbatim in the
// tiddler text rather than base64 encoded.
func IsTextType(ct string) bool {
	switch {
	case strings.HasPrefix(ct, "text/"),
		ct == "application/javascript",
		ct == "application/json",
		ct == "image/svg+xml",
		ct == TidType:
		return true
	}
	return false
}

// ParseFields splits a .tid (or .meta) payload into header fields and body.
// Header lines are "name: value" up to the first blank line.
func ParseFields(data []byte) (map[string]string, string) {
	fields := make(map[string]string)
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))

	idx := bytes.Index(data, []byte("\n\n"))
	header, body := data, []byte(nil)
	if idx >= 0 {
		header, body = data[:idx], data[idx+2:]
	}

	sc := bufio.NewScanner(bytes.NewReader(header))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := sc.Text()
		colon := strings.Index(line, ":")
		if colon <= 0 {
			continue
		}
		name := strings.TrimSpace(line[:colon])
		if name == "" || strings.ContainsAny(name, " \t") {
			continue
		}
		fields[name] = strings.TrimSpace(line[colon+1:])
	}
	return fields, string(body)
}

// FromFields builds a tiddler from raw string fields.
func FromFields(raw map[string]string, text string) *models.Tiddler {
	t := &models.Tiddler{Text: text, Fields: make(map[string]string)}
	for k, v := range raw {
		switch k {
		case models.FieldTitle:
			t.Title = v
		case models.FieldText:
			t.Text = v
		case models.FieldTags:
			t.Tags = ParseStringArray(v)
		case models.FieldCreated, models.FieldModified:
			d, ok := ParseDate(v)
			if !ok {
				// Keep unparseable dates as plain fields.
				t.Fields[k] = v
				continue
			}
			if k == models.FieldCreated {
				t.Created = d
			} else {
				t.Modified = d
			}
		default:
			t.Fields[k] = v
		}
	}
	return t
}

// ToFields returns every non-text field as its on-disk string.
func ToFields(t *models.Tiddler) map[string]string {
	out := make(map[string]string, len(t.Fields)+4)
	for k, v := range t.Fields {
		out[k] = v
	}
	out[models.FieldTitle] = t.Title
	if len(t.Tags) > 0 {
		out[models.FieldTags] = StringifyList(t.Tags)
	}
	if !t.Created.IsZero() {
		out[models.FieldCreated] = StringifyDate(t.Created)
	}
	if !t.Modified.IsZero() {
		out[models.FieldModified] = StringifyDate(t.Modified)
	}
	delete(out, models.FieldText)
	return out
}

func writeHeader(buf *bytes.Buffer, fields map[string]string) {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		v := strings.ReplaceAll(fields[k], "\n", " ")
		fmt.Fprintf(buf, "%s: %s\n", k, v)
	}
}

// MarshalTid renders t as a .tid file.
func MarshalTid(t *models.Tiddler) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, ToFields(t))
	buf.WriteString("\n")
	buf.WriteString(t.Text)
	return buf.Bytes()
}

// UnmarshalTid parses a .tid file. A file without a title header takes
// fallbackTitle (usually derived from the file name).
func UnmarshalTid(data []byte, fallbackTitle string) (*models.Tiddler, error) {
	raw, body := ParseFields(data)
	t := FromFields(raw, body)
	if t.Title == "" {
		t.Title = fallbackTitle
	}
	if t.Title == "" {
		return nil, fmt.Errorf("tidfile: tiddler has no title")
	}
	return t, nil
}

// MarshalMeta renders the .meta companion for t (header only).
func MarshalMeta(t *models.Tiddler) []byte {
	var buf bytes.Buffer
	writeHeader(&buf, ToFields(t))
	return buf.Bytes()
}

// UnmarshalMeta combines a .meta file with the content file it describes.
func UnmarshalMeta(meta, content []byte, contentPath string) (*models.Tiddler, error) {
	raw, _ := ParseFields(meta)
	ct := raw[models.FieldType]
	if ct == "" {
		ct = TypeForExt(filepath.Ext(contentPath))
	}
	text := string(content)
	if !IsTextType(ct) {
		text = base64.StdEncoding.EncodeToString(content)
	}
	t := FromFields(raw, text)
	if t.Title == "" {
		t.Title = filepath.Base(contentPath)
	}
	if t.Fields[models.FieldType] == "" {
		t.Fields[models.FieldType] = ct
	}
	return t, nil
}

// ContentBytes returns the bytes a content file paired with a .meta holds.
func ContentBytes(t *models.Tiddler) ([]byte, error) {
	if IsTextType(t.Field(models.FieldType)) {
		return []byte(t.Text), nil
	}
	data, err := base64.StdEncoding.DecodeString(t.Text)
	if err != nil {
		return nil, fmt.Errorf("tidfile: decode binary text: %w", err)
	}
	return data, nil
}
