package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/onnwee/streamfarm/capture"
	"github.com/onnwee/streamfarm/identity"
	"github.com/onnwee/streamfarm/resolver"
	"github.com/onnwee/streamfarm/telemetry"
)

// RoomLookup classifies a room id.
type RoomLookup interface {
	Lookup(ctx context.Context, roomID string) (resolver.RoomInfo, error)
}

// WatchLoop checks monitored room ids in chunks and captures the ones that are live.
type WatchLoop struct {
	Monitored     string // identity = room id file
	Rooms         RoomLookup
	Claims        Claimer
	Dispatcher    Dispatcher
	Chunks        int
	ChunkInterval time.Duration
	Poll          time.Duration // pause between full passes
	Backoff       time.Duration
	MaxCaptures   int
}

type lookupResult struct {
	entry identity.Entry
	info  resolver.RoomInfo
	err   error
}

// Run loops until ctx is cancelled.
func (l *WatchLoop) Run(ctx context.Context) error {
	logger := slog.Default().With(slog.String("component", "orchestrator"), slog.String("loop", "watch"))
	logger.Info("room watch loop started", slog.Int("chunks", l.Chunks), slog.Duration("chunk_interval", l.ChunkInterval))
	for {
		if ctx.Err() != nil {
			return nil
		}
		entries, err := identity.ReadPairs(l.Monitored)
		if err != nil {
			telemetry.Inc(telemetry.SnapshotReadErrors)
			logger.Warn("read monitored identities failed", slog.Any("err", err))
			if !sleepCtx(ctx, l.Backoff) {
				return nil
			}
			continue
		}
		l.Pass(ctx, entries)
		if !sleepCtx(ctx, l.Poll) {
			return nil
		}
	}
}

// Pass looks up every entry once, chunk by chunk, and dispatches live ones. It returns the number
// of captures started.
func (l *WatchLoop) Pass(ctx context.Context, entries []identity.Entry) int {
	logger := slog.Default().With(slog.String("component", "orchestrator"), slog.String("loop", "watch"))
	size := l.Chunks
	if size <= 0 {
		size = 1
	}
	dispatched, throttled := 0, 0
	for start := 0; start < len(entries); start += size {
		if start > 0 && !sleepCtx(ctx, l.ChunkInterval) {
			break
		}
		chunk := entries[start:min(start+size, len(entries))]
		for _, r := range l.lookupChunk(ctx, chunk) {
			if r.err != nil {
				if ctx.Err() == nil {
					logger.Warn("room lookup failed", slog.String("identity", r.entry.Identity), slog.Any("err", r.err))
				}
				continue
			}
			switch r.info.State {
			case resolver.NotLive:
			case resolver.NotFound:
				logger.Info("room not found", slog.String("identity", r.entry.Identity), slog.String("room_id", r.entry.Value))
			case resolver.NoURLInResponse:
				throttled++
				logger.Warn("live room returned no media URL; lookups are probably throttled",
					slog.String("identity", r.entry.Identity), slog.String("room_id", r.entry.Value))
			case resolver.URLAndUsername:
				if l.claimAndDispatch(ctx, r.entry.Identity, r.info.URL) {
					dispatched++
				}
			}
		}
		if ctx.Err() != nil {
			break
		}
	}
	telemetry.UpdateThrottledGauge(throttled > 0)
	if throttled > 0 {
		logger.Error("room lookups degraded", slog.Int("no_url", throttled), slog.Int("checked", len(entries)))
	}
	return dispatched
}

func (l *WatchLoop) lookupChunk(ctx context.Context, chunk []identity.Entry) []lookupResult {
	results := make([]lookupResult, len(chunk))
	var g errgroup.Group
	for i, e := range chunk {
		results[i].entry = e
		if l.Claims.Held(e.Identity) {
			// already capturing; report as not live so the caller skips it
			results[i].info = resolver.RoomInfo{State: resolver.NotLive}
			continue
		}
		g.Go(func() error {
			results[i].info, results[i].err = l.Rooms.Lookup(ctx, e.Value)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (l *WatchLoop) claimAndDispatch(ctx context.Context, id, mediaURL string) bool {
	logger := slog.Default().With(slog.String("component", "orchestrator"), slog.String("loop", "watch"))
	if l.MaxCaptures > 0 && l.Dispatcher.Active() >= l.MaxCaptures {
		logger.Debug("capture ceiling reached", slog.String("identity", id))
		return false
	}
	ok, err := l.Claims.TryClaim(id)
	if err != nil {
		logger.Warn("claim failed", slog.String("identity", id), slog.Any("err", err))
		return false
	}
	if !ok {
		return false
	}
	s := capture.NewStream(id, mediaURL)
	c := l.Dispatcher.Dispatch(ctx, s)
	logger.Info("capture dispatched", slog.String("identity", id), slog.String("instance", s.InstanceID),
		slog.String("capture_id", c.ID))
	return true
}
