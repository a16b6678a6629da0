// Package oauth keeps stored OAuth tokens fresh. A refresher wakes on a jittered interval and
// refreshes the provider's token once its remaining lifetime falls inside a window, so uploads
// at the end of a long capture do not stall on an expired token.
package oauth

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// TokenStore persists one token per provider. db.TokenStore implements it.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error)
}

// RefreshFunc performs the provider-specific refresh and returns (access, refresh, expiry, raw).
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// Check refreshes provider's token when it expires within window. It reports whether a refresh
// was stored. Tokens without a refresh token are left alone.
func Check(ctx context.Context, store TokenStore, provider string, window time.Duration, fn RefreshFunc) (bool, error) {
	_, rt, exp, raw, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		return false, err
	}
	if rt == "" || time.Until(exp) > window {
		return false, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAT, newRT, newExp, newRaw, err := fn(ctx2, rt)
	cancel()
	if err != nil {
		return false, err
	}
	if newRT == "" {
		newRT = rt
	}
	if newRaw == "" {
		newRaw = raw
	}
	if err := store.UpsertOAuthToken(ctx, provider, newAT, newRT, newExp, newRaw); err != nil {
		return false, err
	}
	return true, nil
}

// StartRefresher launches a goroutine that calls Check every interval (±20%) until ctx ends.
func StartRefresher(ctx context.Context, store TokenStore, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	logger := slog.Default().With(slog.String("component", "oauth"), slog.String("provider", provider))
	go func() {
		// spread instances that start together
		initial := rand.N(interval/2 + 1)
		for next := initial; ; next = jitter(interval) {
			t := time.NewTimer(next)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			refreshed, err := Check(ctx, store, provider, window, fn)
			switch {
			case err != nil && ctx.Err() == nil:
				logger.Warn("token refresh failed", slog.Any("err", err))
			case refreshed:
				logger.Info("token refreshed")
			}
		}
	}()
}

func jitter(interval time.Duration) time.Duration {
	spread := interval / 5
	d := interval - spread + rand.N(2*spread+1)
	return max(d, interval/2)
}

// MemoryStore is a process-local TokenStore for farms running without a database.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]memToken
}

type memToken struct {
	access, refresh, raw string
	expiry               time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore { return &MemoryStore{tokens: map[string]memToken{}} }

func (m *MemoryStore) UpsertOAuthToken(_ context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[provider] = memToken{access: access, refresh: refresh, raw: raw, expiry: expiry}
	return nil
}

func (m *MemoryStore) GetOAuthToken(_ context.Context, provider string) (string, string, time.Time, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tokens[provider]
	return t.access, t.refresh, t.expiry, t.raw, nil
}
