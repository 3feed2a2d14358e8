package ids

import (
	"testing"
	"time"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Now().UTC())
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 || !IsULID(id) {
		t.Fatalf("expected a 26-char ULID, got %q", id)
	}
	if IsULID("not-a-ulid") {
		t.Fatalf("IsULID accepted garbage")
	}
	if MustULID(time.Time{}) == MustULID(time.Time{}) {
		t.Fatalf("expected unique ids")
	}
}
