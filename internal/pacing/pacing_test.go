package pacing

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	if err := Validate(time.Second, 2*time.Second); err != nil {
		t.Fatalf("valid window rejected: %v", err)
	}
	if err := Validate(time.Second, time.Second); err != nil {
		t.Fatalf("equal bounds rejected: %v", err)
	}
	if err := Validate(2*time.Second, time.Second); err == nil {
		t.Fatalf("expected error for min > max")
	}
	if err := Validate(-time.Second, time.Second); err == nil {
		t.Fatalf("expected error for negative delay")
	}
}

func TestDelayWithinBounds(t *testing.T) {
	min := time.Second
	max := 2 * time.Second
	for i := 0; i < 1000; i++ {
		d := Delay(min, max)
		if d < min || d > max {
			t.Fatalf("delay %s outside [%s, %s]", d, min, max)
		}
	}
}

func TestDelayDegenerateWindow(t *testing.T) {
	if d := Delay(time.Second, time.Second); d != time.Second {
		t.Fatalf("expected min for equal bounds, got %s", d)
	}
}

func TestBackoffCurve(t *testing.T) {
	base := 2 * time.Second
	cap := time.Minute

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{2, 8 * time.Second},
		{3, 16 * time.Second},
		{10, time.Minute},
	}
	for _, c := range cases {
		if got := Backoff(base, cap, c.attempt); got != c.want {
			t.Fatalf("attempt %d: got %s want %s", c.attempt, got, c.want)
		}
	}
	if got := Backoff(base, cap, -1); got != base {
		t.Fatalf("negative attempt: got %s want %s", got, base)
	}
}
