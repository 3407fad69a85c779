package discord

import "testing"

func TestTruncate(t *testing.T) {
	if got := truncate("short", maxMessageLen); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}

	long := make([]byte, maxMessageLen+50)
	for i := range long {
		long[i] = 'x'
	}
	got := truncate(string(long), maxMessageLen)
	if len(got) != maxMessageLen || got[len(got)-3:] != "..." {
		t.Errorf("truncate(long) len=%d tail=%q, want len %d ending in ...", len(got), got[len(got)-3:], maxMessageLen)
	}
}

func TestNewRejectsEmptyToken(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Error("expected New() to reject an empty token")
	}
}
