package storage

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewID(t *testing.T) {
	t.Run("should generate a new id", func(t *testing.T) {
		id, err := NewID()
		if err != nil {
			t.Fatal(err)
		}
		if id == "" {
			t.Fatal("id is empty")
		}

		u, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("failed to parse id %q: %s", id, err)
		}
		if u.Version() != 4 {
			t.Fatalf("expected version 4, found %d", u.Version())
		}
	})

	t.Run("should not repeat ids", func(t *testing.T) {
		seen := make(map[string]struct{})
		for i := 0; i < 1000; i++ {
			id, err := NewID()
			if err != nil {
				t.Fatal(err)
			}
			if _, ok := seen[id]; ok {
				t.Fatalf("duplicate id %q after %d ids", id, i)
			}
			seen[id] = struct{}{}
		}
	})
}
