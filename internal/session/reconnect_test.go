package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/bardic/internal/resilience"
	"github.com/MrWong99/bardic/pkg/audio"
	audiomock "github.com/MrWong99/bardic/pkg/audio/mock"
)

// flakyPlatform fails the first n connection attempts.
type flakyPlatform struct {
	failures int32
	calls    atomic.Int32
	conn     audio.Connection
}

func (p *flakyPlatform) Connect(_ context.Context, _ string) (audio.Connection, error) {
	if p.calls.Add(1) <= p.failures {
		return nil, errors.New("gateway not ready")
	}
	return p.conn, nil
}

var fastBackoff = resilience.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}

func TestReconnector_Defaults(t *testing.T) {
	t.Parallel()

	r := NewReconnector(ReconnectorConfig{Platform: &audiomock.Platform{}})
	if r.maxRetries != defaultMaxRetries {
		t.Errorf("maxRetries = %d, want %d", r.maxRetries, defaultMaxRetries)
	}
}

func TestReconnector_Reconnect(t *testing.T) {
	t.Parallel()

	conn := &audiomock.Connection{ChannelIDResult: "voice-1"}

	tests := []struct {
		name      string
		failures  int32
		retries   int
		wantErr   bool
		wantCalls int32
	}{
		{name: "first attempt", failures: 0, retries: 3, wantCalls: 1},
		{name: "after two failures", failures: 2, retries: 3, wantCalls: 3},
		{name: "gives up", failures: 10, retries: 3, wantErr: true, wantCalls: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &flakyPlatform{failures: tt.failures, conn: conn}
			r := NewReconnector(ReconnectorConfig{Platform: p, MaxRetries: tt.retries, Backoff: fastBackoff})

			got, err := r.Reconnect(t.Context(), "voice-1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != conn {
				t.Error("returned connection does not match")
			}
			if calls := p.calls.Load(); calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestReconnector_StopsWithContext(t *testing.T) {
	t.Parallel()

	p := &flakyPlatform{failures: 1000}
	r := NewReconnector(ReconnectorConfig{
		Platform:   p,
		MaxRetries: 1000,
		Backoff:    resilience.Backoff{Base: 20 * time.Millisecond, Max: 20 * time.Millisecond},
	})

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := r.Reconnect(ctx, "voice-1")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if p.calls.Load() > 10 {
		t.Errorf("too many attempts: %d", p.calls.Load())
	}
}
