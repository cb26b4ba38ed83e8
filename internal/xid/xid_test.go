package xid

import (
	"strings"
	"testing"
)

func TestNewPrefixesAndIsUnique(t *testing.T) {
	seen := make(map[string]bool, 100)
	for i := 0; i < 100; i++ {
		id := New("take")
		if !strings.HasPrefix(id, "take-") {
			t.Fatalf("expected take- prefix, got %s", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}
