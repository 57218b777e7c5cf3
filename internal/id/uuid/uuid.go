// Package uuid mints identifiers for orphaned requests and package streams.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUID v7 strings.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUID v7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// Valid reports whether s parses as a UUID. Claim links carry ids minted by
// NewID, so anything else is rejected before the orphan ring is consulted.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
