package tidfile

import (
	"fmt"
	"strconv"
	"time"
)

const compactLayout = "20060102150405"

// StringifyDate renders t in the engine's compact UTC form YYYYMMDDHHMMSSmmm.
func StringifyDate(t time.Time) string {
	u := t.UTC()
	return u.Format(compactLayout) + fmt.Sprintf("%03d", u.Nanosecond()/int(time.Millisecond))
}

// ParseDate parses a compact engine date. Missing trailing components
// default to their zero value; fewer than eight digits is rejected.
func ParseDate(s string) (time.Time, bool) {
	if len(s) < 8 || len(s) > 17 {
		return time.Time{}, false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return time.Time{}, false
		}
	}
	padded := s + "00000000000000000"[:17-len(s)]
	part := func(from, to int) int {
		n, _ := strconv.Atoi(padded[from:to])
		return n
	}
	return time.Date(part(0, 4), time.Month(part(4, 6)), part(6, 8),
		part(8, 10), part(10, 12), part(12, 14), part(14, 17)*int(time.Millisecond), time.UTC), true
}

// ISODate renders t the way the engine's in-memory dates print
// (2006-01-02T15:04:05.000Z).
func ISODate(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
