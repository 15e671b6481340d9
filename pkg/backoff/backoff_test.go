package backoff

import (
	"testing"
	"time"
)

func TestExponential_Doubles(t *testing.T) {
	b := New(time.Second, 0)
	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("step %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestExponential_Capped(t *testing.T) {
	b := New(time.Second, 3*time.Second)
	want := []time.Duration{1 * time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("step %d: expected %v, got %v", i, w, got)
		}
	}
}

func TestExponential_Monotonic(t *testing.T) {
	b := New(10*time.Millisecond, time.Second)
	prev := time.Duration(0)
	for i := 0; i < 40; i++ {
		d := b.Next()
		if d < prev {
			t.Fatalf("step %d: delay %v shrank below %v", i, d, prev)
		}
		prev = d
	}
}

func TestExponential_Reset(t *testing.T) {
	b := New(time.Second, 0)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("expected reset to initial delay, got %v", got)
	}
}

func TestExponential_ZeroValue(t *testing.T) {
	var b Exponential
	if got := b.Next(); got != time.Second {
		t.Errorf("expected one second default, got %v", got)
	}
}
