package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/onnwee/streamfarm/identity"
	"github.com/onnwee/streamfarm/resolver"
)

// ResolveLoop re-resolves the harvested live page URLs into the monitored identities file.
type ResolveLoop struct {
	Feed      string // live page URLs, one per line
	Proxies   string // host:port per line; reread every pass
	Monitored string
	Timeout   time.Duration
	Interval  time.Duration
	// Resolver supplies retry and concurrency settings; its pool is replaced every pass.
	Resolver *resolver.PageResolver
}

// ErrEmptyFeed is returned by Pass when the feed holds no URLs.
var ErrEmptyFeed = errors.New("feed is empty")

// Run loops until ctx is cancelled.
func (l *ResolveLoop) Run(ctx context.Context) error {
	logger := slog.Default().With(slog.String("component", "orchestrator"), slog.String("loop", "resolve"))
	logger.Info("resolve loop started", slog.Duration("interval", l.Interval))
	for {
		if _, err := l.Pass(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("resolve pass failed", slog.Any("err", err))
		}
		if !sleepCtx(ctx, l.Interval) {
			return nil
		}
	}
}

// Pass resolves the current feed once and rewrites the monitored file.
func (l *ResolveLoop) Pass(ctx context.Context) ([]resolver.Result, error) {
	targets, err := identity.ReadLines(l.Feed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("feed %s not written yet: %w", l.Feed, err)
		}
		return nil, fmt.Errorf("read feed: %w", err)
	}
	if len(targets) == 0 {
		return nil, ErrEmptyFeed
	}
	pool, err := resolver.LoadPool(l.Proxies, l.Timeout)
	if err != nil {
		return nil, err
	}
	defer pool.CloseIdle()

	r := *l.Resolver
	r.Pool = pool
	return r.Refresh(ctx, targets, l.Monitored)
}
