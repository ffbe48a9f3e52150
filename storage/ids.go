package storage

import (
	"fmt"

	"github.com/google/uuid"
)

// NewID generates a new random (version 4) UUID, formatted
// as a string.
//
// It is used both for SSTable ids and for the ids of the
// records stored by callers of the tree.
func NewID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate id: %w", err)
	}
	return id.String(), nil
}
