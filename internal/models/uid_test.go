package models

import (
	"strings"
	"testing"
)

const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

func TestNewUid(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		uid := NewUid(UidLength)
		if len(uid) != UidLength {
			t.Fatalf("Expected uid length %d, got %d (%s)", UidLength, len(uid), uid)
		}
		for _, c := range uid {
			if !strings.ContainsRune(base58Alphabet, c) {
				t.Fatalf("Unexpected character %q in uid %s", c, uid)
			}
		}
		seen[uid] = true
	}
	// 58^6 possible values, collisions within 1000 draws are very unlikely
	if len(seen) < 995 {
		t.Errorf("Expected mostly unique uids, got %d distinct of 1000", len(seen))
	}
}
