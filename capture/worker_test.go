package capture

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/streamfarm/assemble"
	"github.com/onnwee/streamfarm/claim"
)

type countingReleaser struct {
	mu       sync.Mutex
	released []string
}

func (c *countingReleaser) Release(identity string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.released = append(c.released, identity)
	return nil
}

func (c *countingReleaser) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.released)
}

type fakeAssembler struct {
	calls atomic.Int32
	res   assemble.Result
	err   error
	panic bool
}

func (f *fakeAssembler) Assemble(_ context.Context, identity, instance string) (assemble.Result, error) {
	f.calls.Add(1)
	if f.panic {
		panic("assembler exploded")
	}
	return f.res, f.err
}

type runnerFunc func(ctx context.Context, name string, args ...string) error

func (f runnerFunc) Run(ctx context.Context, name string, args ...string) error {
	return f(ctx, name, args...)
}

// touchRunner writes the output file like a recorder would, then returns err.
func touchRunner(err error) runnerFunc {
	return func(_ context.Context, _ string, args ...string) error {
		if werr := os.WriteFile(args[len(args)-1], []byte("segment"), 0o644); werr != nil {
			return werr
		}
		return err
	}
}

var fixed = time.Date(2024, 3, 9, 20, 5, 7, 0, time.UTC)

func newWorker(t *testing.T, r assemble.Runner, a Assembler) (*Worker, *countingReleaser) {
	t.Helper()
	rel := &countingReleaser{}
	return &Worker{
		Claims:      rel,
		Assembler:   a,
		Runner:      r,
		FFmpeg:      "ffmpeg",
		SegmentsDir: t.TempDir(),
		Format:      "mp4",
		Now:         func() time.Time { return fixed },
	}, rel
}

func testCapture() Capture {
	return Capture{ID: "c-1", Stream: NewStream("alice", "https://cdn.example/stream-7301_or4.flv"), Started: fixed}
}

func TestRunReleasesOnEveryPath(t *testing.T) {
	tests := []struct {
		name       string
		runner     assemble.Runner
		asm        *fakeAssembler
		wantErr    bool
		wantAssemb int32
	}{
		{"success", touchRunner(nil), &fakeAssembler{res: assemble.Result{Path: "/out/a.mp4"}}, false, 1},
		{"recorder error", touchRunner(errors.New("exit status 1")), &fakeAssembler{}, false, 1},
		{"assembler error", touchRunner(nil), &fakeAssembler{err: assemble.ErrConcatenationFailed}, true, 1},
		{"recorder panic", runnerFunc(func(context.Context, string, ...string) error { panic("boom") }), &fakeAssembler{}, true, 0},
		{"assembler panic", touchRunner(nil), &fakeAssembler{panic: true}, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, rel := newWorker(t, tt.runner, tt.asm)
			o, err := w.Run(context.Background(), testCapture())
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if rel.count() != 1 {
				t.Errorf("released %d times, want 1", rel.count())
			}
			if n := tt.asm.calls.Load(); n != tt.wantAssemb {
				t.Errorf("assembler calls = %d, want %d", n, tt.wantAssemb)
			}
			if o.Ended.IsZero() {
				t.Error("Outcome.Ended not set")
			}
		})
	}
}

func TestRunSetupFailureReleases(t *testing.T) {
	asm := &fakeAssembler{}
	w, rel := newWorker(t, touchRunner(nil), asm)
	// a file where the segments directory should be
	blocker := filepath.Join(t.TempDir(), "segments")
	if err := os.WriteFile(blocker, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	w.SegmentsDir = blocker

	var logs bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&logs, nil)))
	defer slog.SetDefault(prev)

	if _, err := w.Run(context.Background(), testCapture()); err == nil {
		t.Fatal("expected error creating segment dir")
	}
	if rel.count() != 1 {
		t.Errorf("released %d times, want 1", rel.count())
	}
	if asm.calls.Load() != 0 {
		t.Error("assembler ran without a segment dir")
	}
	if out := logs.String(); !strings.Contains(out, "capture failed") || !strings.Contains(out, "segment dir") {
		t.Errorf("setup failure not logged: %q", out)
	}
}

func TestRunRecorderInvocation(t *testing.T) {
	var gotName string
	var gotArgs []string
	r := runnerFunc(func(_ context.Context, name string, args ...string) error {
		gotName, gotArgs = name, args
		return nil
	})
	w, _ := newWorker(t, r, &fakeAssembler{})
	w.FFmpeg = "/opt/ffmpeg/bin/ffmpeg"
	o, err := w.Run(context.Background(), testCapture())
	if err != nil {
		t.Fatal(err)
	}
	want := filepath.Join(w.SegmentsDir, "alice", "alice_7301_2024-03-09_20-05-07.mp4")
	if o.Segment != want {
		t.Errorf("Segment = %s, want %s", o.Segment, want)
	}
	if gotName != w.FFmpeg {
		t.Errorf("recorder = %s", gotName)
	}
	if gotArgs[len(gotArgs)-1] != want {
		t.Errorf("output arg = %s", gotArgs[len(gotArgs)-1])
	}
	if fi, err := os.Stat(filepath.Join(w.SegmentsDir, "alice")); err != nil || !fi.IsDir() {
		t.Errorf("segment dir not created: %v", err)
	}
	if o.ExitCode != 0 {
		t.Errorf("ExitCode = %d", o.ExitCode)
	}
}

func TestRecordArgs(t *testing.T) {
	args := RecordArgs("https://cdn.example/stream-1_a.flv", "/seg/out.mp4")
	in := slices.Index(args, "-i")
	if in < 0 || args[in+1] != "https://cdn.example/stream-1_a.flv" {
		t.Fatalf("args %v: missing input", args)
	}
	for _, flag := range []string{"-reconnect", "-reconnect_at_eof", "-reconnect_streamed", "-reconnect_delay_max", "-timeout"} {
		i := slices.Index(args, flag)
		if i < 0 || i > in {
			t.Errorf("%s must be an input option before -i: %v", flag, args)
		}
	}
	if i := slices.Index(args, "-c"); i < 0 || args[i+1] != "copy" {
		t.Errorf("missing -c copy: %v", args)
	}
	if i := slices.Index(args, "-bsf:a"); i < 0 || args[i+1] != "aac_adtstoasc" {
		t.Errorf("missing -bsf:a aac_adtstoasc: %v", args)
	}
	if args[len(args)-1] != "/seg/out.mp4" {
		t.Errorf("output not last: %v", args)
	}
}

func TestNewStreamInstance(t *testing.T) {
	if s := NewStream("bob", "https://x/live/abc.m3u8"); s.InstanceID != "unknown" {
		t.Errorf("InstanceID = %q, want unknown", s.InstanceID)
	}
	if s := NewStream("bob", "https://x/stream-99_hd.flv"); s.InstanceID != "99" {
		t.Errorf("InstanceID = %q, want 99", s.InstanceID)
	}
}

type recordingJournal struct {
	mu       sync.Mutex
	begun    []Capture
	finished []Outcome
}

func (j *recordingJournal) Begin(_ context.Context, c Capture) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.begun = append(j.begun, c)
	return int64(len(j.begun)), nil
}

func (j *recordingJournal) Finish(_ context.Context, _ int64, o Outcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.finished = append(j.finished, o)
	return nil
}

func TestRunJournal(t *testing.T) {
	j := &recordingJournal{}
	w, _ := newWorker(t, touchRunner(errors.New("exit status 1")), &fakeAssembler{err: assemble.ErrNoSegmentsFound})
	w.Journal = j
	if _, err := w.Run(context.Background(), testCapture()); !errors.Is(err, assemble.ErrNoSegmentsFound) {
		t.Fatalf("err = %v", err)
	}
	if len(j.begun) != 1 || len(j.finished) != 1 {
		t.Fatalf("journal begun=%d finished=%d", len(j.begun), len(j.finished))
	}
	o := j.finished[0]
	if !errors.Is(o.Err, assemble.ErrNoSegmentsFound) || o.RecorderErr == nil || o.Ended.IsZero() {
		t.Errorf("finished outcome = %+v", o)
	}
}

func TestRunWithClaimStore(t *testing.T) {
	store, err := claim.Open(filepath.Join(t.TempDir(), "claims"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, _ := store.TryClaim("alice"); !ok {
		t.Fatal("TryClaim failed")
	}
	var heldDuringRecord, heldDuringAssembly bool
	r := runnerFunc(func(context.Context, string, ...string) error {
		heldDuringRecord = store.Held("alice")
		return errors.New("exit status 255")
	})
	asm := assemblerFunc(func(context.Context, string, string) (assemble.Result, error) {
		heldDuringAssembly = store.Held("alice")
		return assemble.Result{}, nil
	})
	w := &Worker{Claims: store, Assembler: asm, Runner: r, SegmentsDir: t.TempDir(), Now: time.Now}
	if _, err := w.Run(context.Background(), testCapture()); err != nil {
		t.Fatal(err)
	}
	if !heldDuringRecord || !heldDuringAssembly {
		t.Errorf("claim held: record=%v assembly=%v, want both true", heldDuringRecord, heldDuringAssembly)
	}
	if store.Held("alice") {
		t.Error("claim still held after Run")
	}
}

type assemblerFunc func(ctx context.Context, identity, instance string) (assemble.Result, error)

func (f assemblerFunc) Assemble(ctx context.Context, identity, instance string) (assemble.Result, error) {
	return f(ctx, identity, instance)
}
