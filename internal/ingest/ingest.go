package ingest

import (
	"context"
	"log/slog"
	"time"

	"examguard/internal/model"
	"examguard/internal/telemetry"
)

// SendNonBlocking hands a frame to the session channel without ever stalling
// the transport. A full channel drops the frame; drops are counted, never
// retried.
func SendNonBlocking(ctx context.Context, out chan<- model.FrameSignals, sig model.FrameSignals, counters *telemetry.Counters, logger *slog.Logger) bool {
	select {
	case out <- sig:
		return true
	case <-ctx.Done():
		return false
	default:
		counters.IncDropped()
		if logger != nil {
			logger.Warn("signal channel full, dropping frame", "source", sig.Source, "timestamp", sig.Timestamp)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
