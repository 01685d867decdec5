package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/bardic/internal/resilience"
	"github.com/MrWong99/bardic/pkg/audio"
)

// Default reconnection parameters.
const defaultMaxRetries = 5

// Reconnector rejoins a voice channel after the connection dropped, retrying
// with exponential backoff until it succeeds, runs out of attempts, or the
// context (normally bounded by the grace period) expires.
//
// Reconnector holds no connection state and is safe for concurrent use.
type Reconnector struct {
	platform   audio.Platform
	maxRetries int
	backoff    resilience.Backoff
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Platform is the audio platform used to establish connections.
	Platform audio.Platform

	// MaxRetries is the maximum number of connection attempts.
	// Defaults to 5 if zero.
	MaxRetries int

	// Backoff spaces the attempts. The zero value starts at 500ms and caps
	// at 10s.
	Backoff resilience.Backoff
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Reconnector{
		platform:   cfg.Platform,
		maxRetries: maxRetries,
		backoff:    cfg.Backoff,
	}
}

// Reconnect connects to channelID, retrying on failure. It returns the
// last connection error once all attempts failed, or ctx.Err() when the
// context ends first.
func (r *Reconnector) Reconnect(ctx context.Context, channelID string) (audio.Connection, error) {
	var lastErr error
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		slog.Info("attempting reconnection",
			"channel_id", channelID,
			"attempt", attempt,
			"max_retries", r.maxRetries,
		)

		conn, err := r.platform.Connect(ctx, channelID)
		if err == nil {
			slog.Info("reconnection successful", "channel_id", channelID, "attempt", attempt)
			return conn, nil
		}
		lastErr = err

		slog.Warn("reconnection attempt failed",
			"channel_id", channelID,
			"attempt", attempt,
			"error", err,
		)

		if attempt == r.maxRetries {
			break
		}
		if err := r.backoff.Wait(ctx, attempt); err != nil {
			return nil, err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no attempts made")
	}
	return nil, fmt.Errorf("session: reconnect to %s failed after %d attempts: %w", channelID, r.maxRetries, lastErr)
}
