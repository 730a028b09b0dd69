// Package idgen mints the prefixed random identifiers used across the
// engine ("ten_", "upg_", "run_").
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const randomBytes = 12

// WithPrefix returns prefix plus 24 hex characters of crypto/rand entropy.
// The prefix keeps identifiers self-describing in logs and event payloads.
func WithPrefix(prefix string) string {
	b := make([]byte, randomBytes)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
