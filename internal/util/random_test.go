package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomID(t *testing.T) {
	tests := []struct {
		prefix    string
		hexLength int
	}{
		{"job_", 32},
		{"outbox_", 32},
		{"", 8},
		{"odd_", 7},
		{"empty_", 0},
	}
	for _, tt := range tests {
		id := GenerateRandomID(tt.prefix, tt.hexLength)
		if !strings.HasPrefix(id, tt.prefix) {
			t.Errorf("GenerateRandomID(%q, %d) = %q, missing prefix", tt.prefix, tt.hexLength, id)
		}
		digits := strings.TrimPrefix(id, tt.prefix)
		if len(digits) != tt.hexLength {
			t.Errorf("GenerateRandomID(%q, %d) has %d digits", tt.prefix, tt.hexLength, len(digits))
		}
		if !isValidHex(digits) {
			t.Errorf("GenerateRandomID(%q, %d) = %q, not lowercase hex", tt.prefix, tt.hexLength, id)
		}
	}
}

func TestGenerateRandomHexNegativeLength(t *testing.T) {
	if got := GenerateRandomHex(-1); got != "" {
		t.Errorf("GenerateRandomHex(-1) = %q, want empty", got)
	}
}

func TestRandomIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateRandomID("job_", 32)
		if seen[id] {
			t.Fatalf("Duplicate ID generated after %d iterations: %s", i, id)
		}
		seen[id] = true
	}
}

func isValidHex(s string) bool {
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}
