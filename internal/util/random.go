// Package util provides small helpers shared across PackPipe components.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// GenerateRandomID returns prefix followed by hexLength random hex digits.
// Job IDs are readable through the status API, so the digits come from
// crypto/rand.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex digits.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	buf := make([]byte, (length+1)/2)
	// crypto/rand.Read does not fail on supported platforms.
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:length]
}
