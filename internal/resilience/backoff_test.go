package resilience

import (
	"context"
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: 100 * time.Millisecond, Max: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{50, time.Second},
	}
	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_ZeroValueDefaults(t *testing.T) {
	t.Parallel()

	var b Backoff
	if got := b.Delay(1); got != 500*time.Millisecond {
		t.Errorf("Delay(1) = %v, want 500ms", got)
	}
	if got := b.Delay(100); got != 10*time.Second {
		t.Errorf("Delay(100) = %v, want 10s", got)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Max: time.Second, Jitter: 0.5}
	for range 100 {
		d := b.Delay(1)
		if d < 500*time.Millisecond || d > time.Second {
			t.Fatalf("Delay = %v, want within [500ms, 1s]", d)
		}
	}
}

func TestBackoff_WaitCancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if err := (Backoff{Base: time.Hour}).Wait(ctx, 1); err == nil {
		t.Fatal("Wait should return the context error")
	}
}
