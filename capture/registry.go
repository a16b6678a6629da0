package capture

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/streamfarm/telemetry"
)

// Capture is an in-flight capture as seen by the registry.
type Capture struct {
	ID string
	Stream
	Started time.Time
}

type entry struct {
	capture Capture
	cancel  context.CancelFunc
}

// Registry tracks running captures. Captures run detached from the context that dispatched them:
// shutting the daemon down stops new dispatches, and Stop asks running recorders to finish.
type Registry struct {
	mu     sync.Mutex
	active map[string]*entry
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*entry), now: time.Now}
}

// Go runs job for s in a new goroutine and tracks it until job returns. The job's context keeps the
// values of parent (correlation id, span) but not its cancellation.
func (r *Registry) Go(parent context.Context, s Stream, job func(ctx context.Context, c Capture)) Capture {
	c := Capture{ID: uuid.NewString(), Stream: s, Started: r.now()}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	ctx = telemetry.WithCorrelation(ctx, c.ID)

	r.mu.Lock()
	r.active[c.ID] = &entry{capture: c, cancel: cancel}
	n := len(r.active)
	r.wg.Add(1)
	r.mu.Unlock()
	telemetry.SetActiveCaptures(n)

	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.active, c.ID)
			n := len(r.active)
			r.mu.Unlock()
			telemetry.SetActiveCaptures(n)
		}()
		job(ctx, c)
	}()
	return c
}

// Len reports the number of running captures.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Active reports whether identity has a running capture in this process.
func (r *Registry) Active(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.active {
		if e.capture.Identity == identity {
			return true
		}
	}
	return false
}

// Snapshot returns the running captures, oldest first.
func (r *Registry) Snapshot() []Capture {
	r.mu.Lock()
	out := make([]Capture, 0, len(r.active))
	for _, e := range r.active {
		out = append(out, e.capture)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].Identity < out[j].Identity
		}
		return out[i].Started.Before(out[j].Started)
	})
	return out
}

// Stop cancels every running capture's context. Recorders are interrupted; assembly and claim
// release still run.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.active {
		e.cancel()
	}
}

// StopCapture cancels the capture with id and reports whether it was running. Its segment is
// still assembled and its claim released.
func (r *Registry) StopCapture(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[id]
	if ok {
		e.cancel()
	}
	return ok
}

// Wait blocks until every tracked capture has returned or ctx is done. Call it after dispatching
// has stopped.
func (r *Registry) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain waits up to grace for captures to finish on their own, then stops the rest and waits up to
// grace again for their assembly and release.
func (r *Registry) Drain(grace time.Duration) error {
	n := r.Len()
	if n == 0 {
		return nil
	}
	logger := slog.Default().With(slog.String("component", "capture"))
	logger.Info("draining captures", slog.Int("active", n), slog.Duration("grace", grace))
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	err := r.Wait(ctx)
	cancel()
	if err == nil {
		return nil
	}
	logger.Warn("captures still running after grace period; interrupting recorders", slog.Int("active", r.Len()))
	r.Stop()
	ctx, cancel = context.WithTimeout(context.Background(), grace)
	defer cancel()
	return r.Wait(ctx)
}

// Dispatcher starts workers under a registry.
type Dispatcher struct {
	Worker   *Worker
	Registry *Registry
}

// Dispatch starts a capture of s. The claim for s.Identity must already be held.
func (d *Dispatcher) Dispatch(ctx context.Context, s Stream) Capture {
	return d.Registry.Go(ctx, s, func(ctx context.Context, c Capture) {
		o, err := d.Worker.Run(ctx, c)
		if err != nil || d.Worker.Publisher == nil {
			return
		}
		if perr := d.Worker.Publisher.Publish(ctx, o); perr != nil {
			telemetry.LoggerWithCorr(ctx).Warn("publish failed", slog.String("component", "capture"),
				slog.String("identity", c.Identity), slog.Any("err", perr))
		}
	})
}

// Active reports the number of running captures.
func (d *Dispatcher) Active() int { return d.Registry.Len() }
