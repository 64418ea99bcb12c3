// Package identity derives the deterministic record id for an artifact.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// DefaultGeneration is used when the storage event carries no generation.
const DefaultGeneration = "0"

// Compose returns the lower-case hex SHA-256 of "container:name:generation".
// The same triple always yields the same id; a new generation of the same
// object yields a different one.
func Compose(container, name, generation string) string {
	if generation == "" {
		generation = DefaultGeneration
	}
	sum := sha256.Sum256([]byte(container + ":" + name + ":" + generation))
	return hex.EncodeToString(sum[:])
}

// Valid reports whether id has the shape Compose produces.
func Valid(id string) bool {
	if len(id) != sha256.Size*2 {
		return false
	}
	return strings.Trim(id, "0123456789abcdef") == ""
}
