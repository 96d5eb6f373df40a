package ids

import (
	"testing"
	"time"
)

func TestNewULID(t *testing.T) {
	t.Parallel()

	id, err := NewULID(time.Time{})
	if err != nil {
		t.Fatalf("NewULID: %v", err)
	}
	if len(id) != 26 {
		t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
	}
	if !Valid(id) {
		t.Fatalf("expected %q to be valid", id)
	}
}

func TestNext_MonotonicWithinMillisecond(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	prev := Next(now)
	for i := 0; i < 100; i++ {
		cur := Next(now)
		if cur <= prev {
			t.Fatalf("expected %q > %q", cur, prev)
		}
		prev = cur
	}
}

func TestValid_RejectsGarbage(t *testing.T) {
	t.Parallel()

	for _, in := range []string{"", "abc", "not-a-ulid-not-a-ulid-xxxx"} {
		if Valid(in) {
			t.Fatalf("Valid(%q)=true want=false", in)
		}
	}
}

func TestValidIdentity(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want bool
	}{
		{"user-42", true},
		{"01J9ZK3Q4E6F8G0H2J4K6M8N0P", true},
		{"", false},
		{" padded", false},
		{"with space", false},
		{"tab\there", false},
		{string(make([]byte, MaxIdentityLen+1)), false},
	}
	for _, tc := range tests {
		if got := ValidIdentity(tc.in); got != tc.want {
			t.Fatalf("ValidIdentity(%q)=%v want=%v", tc.in, got, tc.want)
		}
	}
}
