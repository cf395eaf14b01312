package ocsprefresh

import (
	"testing"
	"time"
)

func TestU_Backoff_FibonacciSequence(t *testing.T) {
	b := NewBackoff(10*time.Second, 100*time.Second)

	want := []time.Duration{10, 10, 20, 30, 50, 80, 100, 100, 100}
	var prev time.Duration
	for i, w := range want {
		got := b.Next(false)
		if got != w*time.Second {
			t.Fatalf("failure %d: delay = %v, want %v", i+1, got, w*time.Second)
		}
		if got < prev {
			t.Fatalf("failure %d: delay %v decreased from %v", i+1, got, prev)
		}
		prev = got
	}
}

func TestU_Backoff_SuccessResets(t *testing.T) {
	b := NewBackoff(10*time.Second, time.Hour)

	for i := 0; i < 4; i++ {
		b.Next(false)
	}
	if got := b.Current(); got != 30*time.Second {
		t.Fatalf("Current() = %v, want 30s", got)
	}

	if got := b.Next(true); got != time.Hour {
		t.Errorf("Next(success) = %v, want the interval", got)
	}
	if s := b.State(); s != (JobState{}) {
		t.Errorf("State() after success = %+v, want zero", s)
	}
	if got := b.Next(false); got != 10*time.Second {
		t.Errorf("first failure after success = %v, want the base delay", got)
	}
}

func TestU_Backoff_Current(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		want     time.Duration
	}{
		{"[Unit] Current: no failure is the interval", 0, 60 * time.Second},
		{"[Unit] Current: first failure", 1, 10 * time.Second},
		{"[Unit] Current: third failure", 3, 20 * time.Second},
		{"[Unit] Current: capped", 10, 60 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(10*time.Second, 60*time.Second)
			for i := 0; i < tt.failures; i++ {
				b.Next(false)
			}
			if got := b.Current(); got != tt.want {
				t.Errorf("Current() = %v, want %v", got, tt.want)
			}
			if got := b.Current(); got != tt.want {
				t.Errorf("Current() should not advance the state, got %v", got)
			}
		})
	}
}
