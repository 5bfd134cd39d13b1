package requestid

import "testing"

func TestOrNew(t *testing.T) {
	id, err := OrNew("  req-1 ")
	if err != nil || id != "req-1" {
		t.Fatalf("OrNew() = %q, %v", id, err)
	}

	a, err := OrNew("")
	if err != nil {
		t.Fatalf("OrNew() err=%v", err)
	}
	b, _ := OrNew(" ")
	if len(a) != 32 || a == b {
		t.Fatalf("expected distinct 32 char ids, got %q and %q", a, b)
	}
}
