// Package resolver turns broadcaster identities into room ids and room ids into live media URLs.
//
// Requests go out through a rotating proxy/user-agent Pool and are retried with jittered delays.
// Live pages are scanned as they stream so a resolution finishes as soon as both tokens are seen.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/onnwee/streamfarm/identity"
	"github.com/onnwee/streamfarm/telemetry"
)

// DefaultRetries is the number of attempts made per identity.
const DefaultRetries = 5

const (
	scanChunk   = 16 * 1024
	scanOverlap = 256
)

// Result is a resolved live page.
type Result struct {
	Target   string // live page URL
	Identity string // handle taken from the target URL, else the scanned username
	Username string // first @handle found in the body
	RoomID   string
}

// PageResolver resolves live page URLs to room ids.
type PageResolver struct {
	Pool        *Pool
	Patterns    *Patterns
	Retries     int
	DelayMin    time.Duration
	DelayMax    time.Duration
	Concurrency int

	// Client and Sleep are swapped in tests.
	Client func(proxy *url.URL) *http.Client
	Sleep  func(ctx context.Context, d time.Duration) error
}

// NewPageResolver returns a resolver with default retries and pattern set.
func NewPageResolver(pool *Pool, delayMin, delayMax time.Duration, concurrency int) *PageResolver {
	return &PageResolver{
		Pool:        pool,
		Patterns:    DefaultPatterns(),
		Retries:     DefaultRetries,
		DelayMin:    delayMin,
		DelayMax:    delayMax,
		Concurrency: concurrency,
	}
}

// Resolve fetches target up to Retries times. It returns ErrAllRetriesExhausted (wrapping the last
// attempt error) if no attempt saw both the username and the room id. A fatal error ends the
// attempts early with the same wrapping.
func (r *PageResolver) Resolve(ctx context.Context, target string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "resolver", "resolve-page")
	defer span.End()
	start := time.Now()
	defer func() { telemetry.Observe(telemetry.ResolveDuration, time.Since(start)) }()

	retries := r.Retries
	if retries <= 0 {
		retries = DefaultRetries
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "resolver"), slog.String("target", target))

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		if attempt > 1 {
			d := r.delay()
			logger.Debug("retrying resolution", slog.Int("attempt", attempt), slog.Duration("delay", d))
			if err := r.sleep(ctx, d); err != nil {
				return Result{}, err
			}
		}
		telemetry.Inc(telemetry.ResolveAttempts)
		res, err := r.attempt(ctx, target)
		if err == nil {
			res.Target = target
			res.Identity = identity.HandleFromURL(target)
			if res.Identity == "" {
				res.Identity = res.Username
			}
			telemetry.Inc(telemetry.ResolveSucceeded)
			telemetry.SetSpanSuccess(span)
			return res, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		lastErr = err
		class := Classify(err)
		logger.Debug("resolution attempt failed", slog.Int("attempt", attempt), slog.String("class", class.String()), slog.Any("err", err))
		if class == ErrorClassFatal {
			err = fmt.Errorf("%w: %w", ErrAllRetriesExhausted, err)
			telemetry.RecordError(span, err)
			return Result{}, err
		}
	}
	telemetry.Inc(telemetry.ResolveExhausted)
	err := fmt.Errorf("%w after %d attempts: %w", ErrAllRetriesExhausted, retries, lastErr)
	telemetry.RecordError(span, err)
	return Result{}, err
}

var errTokensMissing = errors.New("username or room id not found in page")

func (r *PageResolver) attempt(ctx context.Context, target string) (Result, error) {
	proxy, ua := r.Pool.Pick()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("User-Agent", ua)
	resp, err := r.client(proxy).Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &StatusError{Code: resp.StatusCode, URL: target}
	}
	p := r.Patterns
	if p == nil {
		p = DefaultPatterns()
	}
	tokens, err := scanTokens(resp.Body, p.Username, p.RoomID)
	if tokens[0] != "" && tokens[1] != "" {
		return Result{Username: tokens[0], RoomID: tokens[1]}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{}, errTokensMissing
}

// scanTokens reads r in chunks and returns the first capture group of each pattern. Reading stops
// as soon as every pattern has matched. A match touching the end of the data read so far is only
// accepted at EOF, so a token split across chunks is never truncated.
func scanTokens(r io.Reader, patterns ...*regexp.Regexp) ([]string, error) {
	found := make([]string, len(patterns))
	remaining := len(patterns)
	chunk := make([]byte, scanChunk)
	var tail []byte
	for {
		n, rerr := r.Read(chunk)
		eof := errors.Is(rerr, io.EOF)
		if n > 0 || eof {
			window := append(tail, chunk[:n]...)
			for i, re := range patterns {
				if found[i] != "" {
					continue
				}
				m := re.FindSubmatchIndex(window)
				if m == nil || len(m) < 4 || m[2] < 0 {
					continue
				}
				if m[1] == len(window) && !eof {
					continue
				}
				found[i] = string(window[m[2]:m[3]])
				remaining--
			}
			if remaining == 0 {
				return found, nil
			}
			if len(window) > scanOverlap {
				window = window[len(window)-scanOverlap:]
			}
			tail = append(tail[:0:0], window...)
		}
		if eof {
			return found, nil
		}
		if rerr != nil {
			return found, rerr
		}
	}
}

// ResolveBatch resolves targets with at most Concurrency requests in flight. Failed identities are
// logged and omitted; results come back in completion order.
func (r *PageResolver) ResolveBatch(ctx context.Context, targets []string) []Result {
	limit := r.Concurrency
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "resolver"))

	var (
		mu      sync.Mutex
		results []Result
		wg      sync.WaitGroup
	)
	for _, target := range targets {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(target string) {
			defer wg.Done()
			defer sem.Release(1)
			res, err := r.Resolve(ctx, target)
			if err != nil {
				if ctx.Err() == nil {
					logger.Warn("resolution failed", slog.String("target", target), slog.Any("err", err))
				}
				return
			}
			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(target)
	}
	wg.Wait()
	return results
}

// Refresh resolves targets and replaces the monitored file with "identity = room id" lines.
// The file is left untouched when the context is cancelled mid-batch.
func (r *PageResolver) Refresh(ctx context.Context, targets []string, monitoredPath string) ([]Result, error) {
	results := r.ResolveBatch(ctx, targets)
	if err := ctx.Err(); err != nil {
		return results, err
	}
	entries := make([]identity.Entry, 0, len(results))
	for _, res := range results {
		entries = append(entries, identity.Entry{Identity: res.Identity, Value: res.RoomID})
	}
	if err := identity.WriteMonitored(monitoredPath, entries); err != nil {
		return results, fmt.Errorf("write monitored: %w", err)
	}
	slog.Info("monitored identities refreshed", slog.String("component", "resolver"),
		slog.Int("targets", len(targets)), slog.Int("resolved", len(results)))
	return results, nil
}

func (r *PageResolver) delay() time.Duration {
	lo, hi := r.DelayMin, r.DelayMax
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

func (r *PageResolver) sleep(ctx context.Context, d time.Duration) error {
	if r.Sleep != nil {
		return r.Sleep(ctx, d)
	}
	return sleepCtx(ctx, d)
}

func (r *PageResolver) client(proxy *url.URL) *http.Client {
	if r.Client != nil {
		return r.Client(proxy)
	}
	return r.Pool.Client(proxy)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
