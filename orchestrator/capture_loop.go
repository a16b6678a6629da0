// Package orchestrator runs the farm's poll loops: the capture loop over the link snapshot, the
// room-watch loop over monitored room ids, and the resolve loop that keeps the monitored file fresh.
//
// Loops never exit on their own; every steady-state failure is logged and retried on the next cycle.
// They return nil when their context is cancelled.
package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/onnwee/streamfarm/capture"
	"github.com/onnwee/streamfarm/identity"
	"github.com/onnwee/streamfarm/telemetry"
)

// Claimer is the claim store as seen by the loops.
type Claimer interface {
	TryClaim(identity string) (bool, error)
	Held(identity string) bool
}

// Dispatcher starts captures for claimed identities without blocking.
type Dispatcher interface {
	Dispatch(ctx context.Context, s capture.Stream) capture.Capture
	Active() int
}

// CaptureLoop polls the identity -> media URL snapshot and captures every unclaimed identity.
type CaptureLoop struct {
	Source      identity.Source
	Claims      Claimer
	Dispatcher  Dispatcher
	Poll        time.Duration
	Stagger     time.Duration
	Backoff     time.Duration
	MaxCaptures int             // 0 means no ceiling
	Wake        <-chan struct{} // optional: cuts the poll sleep short
}

// Run loops until ctx is cancelled. Dispatched captures keep running after Run returns.
func (l *CaptureLoop) Run(ctx context.Context) error {
	logger := slog.Default().With(slog.String("component", "orchestrator"), slog.String("loop", "capture"))
	logger.Info("capture loop started", slog.Duration("poll", l.Poll), slog.Int("max_captures", l.MaxCaptures))
	for {
		if ctx.Err() != nil {
			return nil
		}
		telemetry.Inc(telemetry.OrchestratorCycles)
		entries, err := l.Source.Snapshot()
		if err != nil {
			telemetry.Inc(telemetry.SnapshotReadErrors)
			logger.Warn("read identity snapshot failed", slog.Any("err", err), slog.Duration("backoff", l.Backoff))
			if !sleepCtx(ctx, l.Backoff) {
				return nil
			}
			continue
		}
		n := l.Cycle(ctx, entries)
		if n > 0 {
			logger.Debug("cycle dispatched", slog.Int("captures", n), slog.Int("active", l.Dispatcher.Active()))
		}
		if !waitOrWake(ctx, l.Poll, l.Wake) {
			return nil
		}
	}
}

// Cycle claims and dispatches every eligible entry once and returns how many captures started.
func (l *CaptureLoop) Cycle(ctx context.Context, entries []identity.Entry) int {
	logger := slog.Default().With(slog.String("component", "orchestrator"), slog.String("loop", "capture"))
	dispatched := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if e.Value == "" {
			continue
		}
		if l.MaxCaptures > 0 && l.Dispatcher.Active() >= l.MaxCaptures {
			logger.Debug("capture ceiling reached", slog.Int("max_captures", l.MaxCaptures))
			break
		}
		if l.Claims.Held(e.Identity) {
			continue
		}
		ok, err := l.Claims.TryClaim(e.Identity)
		if err != nil {
			logger.Warn("claim failed", slog.String("identity", e.Identity), slog.Any("err", err))
			continue
		}
		if !ok {
			continue
		}
		s := capture.NewStream(e.Identity, e.Value)
		c := l.Dispatcher.Dispatch(ctx, s)
		dispatched++
		logger.Info("capture dispatched", slog.String("identity", s.Identity),
			slog.String("instance", s.InstanceID), slog.String("capture_id", c.ID))
		if !sleepCtx(ctx, l.Stagger) {
			break
		}
	}
	return dispatched
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// waitOrWake sleeps d, returning early when wake fires. It reports false if ctx ended.
func waitOrWake(ctx context.Context, d time.Duration, wake <-chan struct{}) bool {
	if wake == nil {
		return sleepCtx(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	case <-wake:
		return true
	}
}
