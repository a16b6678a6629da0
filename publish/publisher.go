package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/onnwee/streamfarm/capture"
	"github.com/onnwee/streamfarm/telemetry"
)

// ErrNoArtifact is returned for outcomes that produced nothing to upload.
var ErrNoArtifact = errors.New("capture has no artifact")

// maxTitle is YouTube's title limit in characters.
const maxTitle = 100

// Marker records a published artifact, e.g. db.Catalog.
type Marker interface {
	MarkPublished(ctx context.Context, id int64, url string) error
}

// Publisher implements capture.Publisher on top of a Service.
type Publisher struct {
	Service *Service
	Privacy string
	Catalog Marker // optional
	// Upload defaults to a YouTube upload through Service.
	Upload func(ctx context.Context, path, title, description, privacy string) (string, error)
}

// Publish uploads o's artifact and marks the catalog row published.
func (p *Publisher) Publish(ctx context.Context, o capture.Outcome) (err error) {
	if o.Artifact.Path == "" {
		return ErrNoArtifact
	}
	ctx, span := telemetry.StartSpan(ctx, "publish", "upload",
		telemetry.IdentityAttr(o.Identity), telemetry.InstanceAttr(o.InstanceID))
	defer span.End()
	defer func() {
		if err != nil {
			telemetry.Inc(telemetry.PublishesFailed)
			telemetry.RecordError(span, err)
			return
		}
		telemetry.Inc(telemetry.PublishesSucceeded)
		telemetry.SetSpanSuccess(span)
	}()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "publish"),
		slog.String("identity", o.Identity), slog.String("instance", o.InstanceID))

	start := time.Now()
	url, err := p.upload(ctx, o.Artifact.Path, Title(o), Description(o), p.Privacy)
	if err != nil {
		return err
	}
	logger.Info("artifact published", slog.String("url", url), slog.String("size", humanize.Bytes(uint64(o.Artifact.Bytes))),
		slog.Duration("elapsed", time.Since(start)))

	if p.Catalog != nil && o.JournalID != 0 {
		if merr := p.Catalog.MarkPublished(ctx, o.JournalID, url); merr != nil {
			logger.Warn("mark published failed", slog.Any("err", merr))
		}
	}
	return nil
}

func (p *Publisher) upload(ctx context.Context, path, title, description, privacy string) (string, error) {
	if p.Upload != nil {
		return p.Upload(ctx, path, title, description, privacy)
	}
	svc, err := p.Service.Client(ctx)
	if err != nil {
		return "", fmt.Errorf("youtube client: %w", err)
	}
	return UploadVideo(ctx, svc, path, title, description, privacy)
}

// Title is "<identity> live <start date and time>", cut to YouTube's limit.
func Title(o capture.Outcome) string {
	t := fmt.Sprintf("%s live %s", o.Identity, o.Started.Format("2006-01-02 15:04"))
	if r := []rune(t); len(r) > maxTitle {
		t = string(r[:maxTitle])
	}
	return t
}

// Description summarizes the capture.
func Description(o capture.Outcome) string {
	d := fmt.Sprintf("Broadcast %s by %s, started %s.\nSegments: %d, size %s.",
		o.InstanceID, o.Identity, o.Started.UTC().Format(time.RFC3339), len(o.Artifact.Segments),
		humanize.Bytes(uint64(o.Artifact.Bytes)))
	if !o.Ended.IsZero() && o.Ended.After(o.Started) {
		d += fmt.Sprintf("\nDuration: %s.", o.Ended.Sub(o.Started).Round(time.Second))
	}
	return d
}
