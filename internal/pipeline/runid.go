package pipeline

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

const defaultRunIDSuffixLen = 8

// GenerateRunID builds a run identifier of the form "{name}-{hex_suffix}".
// suffixLen is the number of hex characters appended; 0 uses the default
// of 8. Entropy comes from crypto/rand, falling back to the nanosecond
// clock if the random source is unavailable.
func GenerateRunID(name string, suffixLen int) string {
	if suffixLen <= 0 {
		suffixLen = defaultRunIDSuffixLen
	}
	return name + "-" + runIDSuffix(suffixLen)
}

func runIDSuffix(n int) string {
	buf := make([]byte, (n+1)/2) // two hex chars per byte
	if _, err := rand.Read(buf); err != nil {
		return clockSuffix(n)
	}
	return hex.EncodeToString(buf)[:n]
}

func clockSuffix(n int) string {
	encoded := fmt.Sprintf("%016x", time.Now().UnixNano())
	if len(encoded) > n {
		return encoded[len(encoded)-n:]
	}
	return encoded
}
