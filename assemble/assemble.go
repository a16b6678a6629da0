// Package assemble merges the partial recordings of one broadcast instance into a single artifact.
//
// Segments are never deleted: if concatenation fails they stay on disk as the fallback. Only the
// concat manifest is transient.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/streamfarm/telemetry"
)

var (
	// ErrNoSegmentsFound means no segment matched the identity and instance; no artifact is written.
	ErrNoSegmentsFound = errors.New("no segments found")
	// ErrConcatenationFailed means the concat run failed; the segments are left untouched.
	ErrConcatenationFailed = errors.New("concatenation failed")
)

// Assembly modes reported in Result.Mode and the assemblies metric.
const (
	ModeCopy   = "copy"
	ModeConcat = "concat"
)

// Runner runs an external command to completion.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) error
}

// ExecRunner runs commands with os/exec. Output goes to Stdout/Stderr, or nowhere when nil.
//
// With a Grace period, cancelling ctx sends SIGINT first so ffmpeg can finish the container, and
// only kills the process if it has not exited after Grace.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
	Grace  time.Duration
}

// Run starts name and waits for it to exit. A non-zero exit is returned as *exec.ExitError.
func (r ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if r.Grace > 0 {
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = r.Grace
	}
	return cmd.Run()
}

// Assembler produces artifacts from the per-identity segment directories.
type Assembler struct {
	SegmentsDir string
	OutputDir   string
	Format      string // file extension without dot, e.g. "mp4"
	FFmpeg      string
	Runner      Runner
	Now         func() time.Time
}

// Result describes a produced artifact.
type Result struct {
	Path     string
	Mode     string
	Segments []string
	Bytes    int64
}

// SegmentDir returns the directory holding identity's segments.
func (a *Assembler) SegmentDir(identity string) string {
	return filepath.Join(a.SegmentsDir, identity)
}

// ArtifactPath returns <output>/<identity>_<instance>_<YYYY-MM-DD>.<ext> for the given day.
func (a *Assembler) ArtifactPath(identity, instance string, day time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.%s", identity, instance, day.Format("2006-01-02"), a.format())
	return filepath.Join(a.OutputDir, name)
}

func (a *Assembler) manifestName(identity, instance string) string {
	return fmt.Sprintf("%s_%s_concat.txt", identity, instance)
}

// Segments lists the segment files for (identity, instance) in lexical order. Because segment
// timestamps are fixed-width and zero padded this is also capture order.
func (a *Assembler) Segments(identity, instance string) ([]string, error) {
	dir := a.SegmentDir(identity)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list segments: %w", err)
	}
	prefix := identity + "_" + instance + "_"
	ext := "." + a.format()
	manifest := a.manifestName(identity, instance)
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || name == manifest {
			continue
		}
		if !strings.HasPrefix(name, prefix) || !strings.EqualFold(filepath.Ext(name), ext) {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	sort.Strings(out)
	return out, nil
}

// Assemble merges every segment of (identity, instance) into the artifact. One segment is copied
// byte for byte; two or more are concatenated losslessly through a manifest.
func (a *Assembler) Assemble(ctx context.Context, identity, instance string) (Result, error) {
	ctx, span := telemetry.StartSpan(ctx, "assemble", "assemble",
		telemetry.IdentityAttr(identity), telemetry.InstanceAttr(instance))
	defer span.End()
	start := time.Now()
	defer func() { telemetry.Observe(telemetry.AssembleDuration, time.Since(start)) }()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "assemble"),
		slog.String("identity", identity), slog.String("instance", instance))

	segments, err := a.Segments(identity, instance)
	if err != nil {
		telemetry.RecordError(span, err)
		return Result{}, err
	}
	if len(segments) == 0 {
		telemetry.IncLabel(telemetry.AssembliesByMode, "none")
		logger.Warn("no segments to assemble", slog.String("dir", a.SegmentDir(identity)))
		return Result{}, fmt.Errorf("%w for %s/%s", ErrNoSegmentsFound, identity, instance)
	}
	if err := os.MkdirAll(a.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("mkdir output: %w", err)
	}
	out := a.ArtifactPath(identity, instance, a.now())

	res := Result{Path: out, Segments: segments}
	if len(segments) == 1 {
		res.Mode = ModeCopy
		if err := copyFile(segments[0], out); err != nil {
			telemetry.RecordError(span, err)
			return Result{}, fmt.Errorf("copy segment: %w", err)
		}
	} else {
		res.Mode = ModeConcat
		if err := a.concat(ctx, identity, instance, segments, out); err != nil {
			telemetry.IncLabel(telemetry.AssembliesByMode, "failed")
			telemetry.RecordError(span, err)
			logger.Error("concatenation failed, segments kept", slog.Int("segments", len(segments)), slog.Any("err", err))
			return Result{}, err
		}
	}
	if fi, err := os.Stat(out); err == nil {
		res.Bytes = fi.Size()
	}
	telemetry.IncLabel(telemetry.AssembliesByMode, res.Mode)
	telemetry.SetSpanSuccess(span)
	logger.Info("artifact written", slog.String("path", out), slog.String("mode", res.Mode),
		slog.Int("segments", len(segments)), slog.String("size", humanize.Bytes(uint64(res.Bytes))))
	return res, nil
}

// WriteManifest writes the concat demuxer manifest: one file '<abs path>' line per segment.
func WriteManifest(path string, segments []string) error {
	var b strings.Builder
	for _, s := range segments {
		// the concat demuxer escapes a quote as '\''
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(s, "'", `'\''`))
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// ConcatArgs returns the arguments for a lossless concatenation of manifest into out.
func ConcatArgs(manifest, out string) []string {
	return []string{"-hide_banner", "-loglevel", "error", "-f", "concat", "-safe", "0", "-i", manifest, "-c", "copy", "-y", out}
}

func (a *Assembler) concat(ctx context.Context, identity, instance string, segments []string, out string) error {
	manifest := filepath.Join(a.SegmentDir(identity), a.manifestName(identity, instance))
	if err := WriteManifest(manifest, segments); err != nil {
		return fmt.Errorf("%w: write manifest: %w", ErrConcatenationFailed, err)
	}
	defer os.Remove(manifest)

	if err := a.runner().Run(ctx, a.ffmpeg(), ConcatArgs(manifest, out)...); err != nil {
		_ = os.Remove(out)
		return fmt.Errorf("%w: %w", ErrConcatenationFailed, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	tmp := dst + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, in); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func (a *Assembler) format() string {
	if a.Format == "" {
		return "mp4"
	}
	return strings.TrimPrefix(a.Format, ".")
}

func (a *Assembler) ffmpeg() string {
	if a.FFmpeg == "" {
		return "ffmpeg"
	}
	return a.FFmpeg
}

func (a *Assembler) runner() Runner {
	if a.Runner == nil {
		return ExecRunner{}
	}
	return a.Runner
}

func (a *Assembler) now() time.Time {
	if a.Now == nil {
		return time.Now()
	}
	return a.Now()
}
