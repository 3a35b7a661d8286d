package clock

import (
	"testing"
	"time"
)

func TestManualAdvance(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := NewManual(start)

	if !m.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, m.Now())
	}

	m.Advance(90 * time.Minute)
	if !m.Now().Equal(start.Add(90 * time.Minute)) {
		t.Fatalf("expected %v, got %v", start.Add(90*time.Minute), m.Now())
	}
}

func TestRealIsUTC(t *testing.T) {
	if (Real{}).Now().Location() != time.UTC {
		t.Fatalf("real clock should report UTC")
	}
}
