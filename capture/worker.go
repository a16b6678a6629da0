// Package capture runs one recording of a live broadcast from claim to artifact.
//
// A Worker is handed a Stream whose claim is already held. It records until the recorder exits,
// assembles whatever segments exist and releases the claim, on every path including panics.
// The Registry tracks in-flight workers so the daemon can report and drain them.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/onnwee/streamfarm/assemble"
	"github.com/onnwee/streamfarm/resolver"
	"github.com/onnwee/streamfarm/telemetry"
)

// SegmentTimeLayout is the fixed-width timestamp embedded in segment names.
const SegmentTimeLayout = "2006-01-02_15-04-05"

// Stream is a resolved live broadcast ready for capture.
type Stream struct {
	Identity   string
	MediaURL   string
	InstanceID string
}

// NewStream derives the instance id from mediaURL.
func NewStream(identity, mediaURL string) Stream {
	return Stream{Identity: identity, MediaURL: mediaURL, InstanceID: resolver.StreamInstanceID(mediaURL)}
}

// Releaser gives a claim back.
type Releaser interface {
	Release(identity string) error
}

// Assembler turns segments into an artifact.
type Assembler interface {
	Assemble(ctx context.Context, identity, instance string) (assemble.Result, error)
}

// Journal records capture lifecycle events, e.g. in the database catalog.
type Journal interface {
	Begin(ctx context.Context, c Capture) (int64, error)
	Finish(ctx context.Context, id int64, o Outcome) error
}

// Publisher ships a finished artifact somewhere. It runs after the claim is released.
type Publisher interface {
	Publish(ctx context.Context, o Outcome) error
}

// Outcome summarizes a finished capture.
type Outcome struct {
	Capture
	Segment     string
	ExitCode    int // recorder exit code, -1 when it did not run or was signalled
	RecorderErr error
	Artifact    assemble.Result
	Ended       time.Time
	Err         error // setup or assembly failure
	JournalID   int64 // catalog row, 0 when not journaled
}

// Worker records streams.
type Worker struct {
	Claims      Releaser
	Assembler   Assembler
	Runner      assemble.Runner
	FFmpeg      string
	SegmentsDir string
	Format      string
	Journal     Journal   // optional
	Publisher   Publisher // optional
	Now         func() time.Time
}

// SegmentPath returns <segments>/<identity>/<identity>_<instance>_<timestamp>.<ext>.
func SegmentPath(segmentsDir string, s Stream, format string, t time.Time) string {
	name := fmt.Sprintf("%s_%s_%s.%s", s.Identity, s.InstanceID, t.Format(SegmentTimeLayout), format)
	return filepath.Join(segmentsDir, s.Identity, name)
}

// RecordArgs returns the recorder arguments for a stream-copy capture of mediaURL into out.
// Reconnect options apply to the input and so precede -i.
func RecordArgs(mediaURL, out string) []string {
	return []string{
		"-hide_banner", "-loglevel", "error",
		"-reconnect", "1",
		"-reconnect_at_eof", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "1",
		"-timeout", "30000000", // microseconds
		"-i", mediaURL,
		"-c", "copy",
		"-bsf:a", "aac_adtstoasc",
		"-y", out,
	}
}

// Run records c until the recorder exits, assembles the result and releases the claim. The
// returned error reports setup or assembly failures; a failing recorder is only logged, since even
// a truncated segment is worth assembling.
func (w *Worker) Run(ctx context.Context, c Capture) (o Outcome, err error) {
	ctx, span := telemetry.StartSpan(ctx, "capture", "capture",
		telemetry.IdentityAttr(c.Identity), telemetry.InstanceAttr(c.InstanceID))
	defer span.End()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "capture"),
		slog.String("identity", c.Identity), slog.String("instance", c.InstanceID))

	o = Outcome{Capture: c, ExitCode: -1}
	var journalID int64
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("capture %s panicked: %v", c.Identity, r)
			logger.Error("capture panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
		}
		o.Ended = w.now()
		o.Err = err
		if journalID != 0 {
			if jerr := w.Journal.Finish(context.WithoutCancel(ctx), journalID, o); jerr != nil {
				logger.Warn("journal finish failed", slog.Any("err", jerr))
			}
		}
		if err != nil {
			logger.Error("capture failed", slog.Any("err", err))
		}
		if rerr := w.Claims.Release(c.Identity); rerr != nil {
			logger.Error("release claim failed", slog.Any("err", rerr))
		}
		telemetry.RecordError(span, err)
	}()

	if w.Journal != nil {
		id, jerr := w.Journal.Begin(ctx, c)
		if jerr != nil {
			logger.Warn("journal begin failed", slog.Any("err", jerr))
		}
		journalID = id
		o.JournalID = id
	}

	dir := filepath.Join(w.SegmentsDir, c.Identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return o, fmt.Errorf("segment dir: %w", err)
	}
	o.Segment = SegmentPath(w.SegmentsDir, c.Stream, w.format(), w.now())

	logger.Info("capture started", slog.String("segment", o.Segment))
	telemetry.Inc(telemetry.CapturesStarted)
	start := time.Now()
	o.RecorderErr = w.runner().Run(ctx, w.ffmpeg(), RecordArgs(c.MediaURL, o.Segment)...)
	telemetry.Observe(telemetry.CaptureDuration, time.Since(start))
	o.ExitCode = exitCode(o.RecorderErr)
	if o.RecorderErr != nil {
		telemetry.Inc(telemetry.RecorderFailures)
		logger.Warn("recorder exited with error, assembling anyway",
			slog.Int("exit_code", o.ExitCode), slog.Any("err", o.RecorderErr))
	} else {
		logger.Info("recorder finished", slog.Duration("elapsed", time.Since(start)))
	}

	// assembly must finish even when the capture was asked to stop
	res, aerr := w.Assembler.Assemble(context.WithoutCancel(ctx), c.Identity, c.InstanceID)
	if aerr != nil {
		if errors.Is(aerr, assemble.ErrNoSegmentsFound) {
			logger.Warn("recorder produced no segments")
		}
		return o, aerr
	}
	o.Artifact = res
	telemetry.SetSpanSuccess(span)
	return o, nil
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func (w *Worker) format() string {
	if w.Format == "" {
		return "mp4"
	}
	return w.Format
}

func (w *Worker) ffmpeg() string {
	if w.FFmpeg == "" {
		return "ffmpeg"
	}
	return w.FFmpeg
}

func (w *Worker) runner() assemble.Runner {
	if w.Runner == nil {
		return assemble.ExecRunner{Grace: 30 * time.Second}
	}
	return w.Runner
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now()
	}
	return w.Now()
}
