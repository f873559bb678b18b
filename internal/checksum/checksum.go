// Package checksum fingerprints file contents so the engine can tell its
// own writes apart from external edits.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Ledger maps absolute file paths to the digest last written or read.
type Ledger map[string]string

// Record stores the digest of data for path and returns it.
func (l Ledger) Record(path string, data []byte) string {
	sum := Sum(data)
	l[path] = sum
	return sum
}

// Matches reports whether data is exactly what was last recorded for path.
func (l Ledger) Matches(path string, data []byte) bool {
	sum, ok := l[path]
	return ok && sum == Sum(data)
}

// Forget drops path.
func (l Ledger) Forget(path string) {
	delete(l, path)
}
