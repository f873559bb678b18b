package tidfile

import (
	"strings"
	"unicode/utf8"
)

const maxBaseLen = 200

var filenameReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", "\"", "_", "/", "_",
	"\\", "_", "|", "_", "?", "_", "*", "_", "^", "_",
)

// BaseFilename derives a file name (without extension) from a title the
// way the engine's file system adaptor does: system titles lose their
// "$:/" prefix to "$__" and path-hostile characters become "_".
func BaseFilename(title string) string {
	name := title
	if strings.HasPrefix(name, "$:/") {
		name = "$__" + name[3:]
	}
	name = filenameReplacer.Replace(name)
	name = strings.TrimRight(name, ". ")
	if len(name) > maxBaseLen {
		cut := maxBaseLen
		for cut > 0 && !utf8.RuneStart(name[cut]) {
			cut--
		}
		name = name[:cut]
	}
	if name == "" {
		name = "_"
	}
	return name
}

// Filename returns the .tid file name for title.
func Filename(title string) string {
	return BaseFilename(title) + Ext
}
