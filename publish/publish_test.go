package publish

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/onnwee/streamfarm/assemble"
	"github.com/onnwee/streamfarm/capture"
	"github.com/onnwee/streamfarm/config"
	"github.com/onnwee/streamfarm/oauth"
	"github.com/onnwee/streamfarm/testutil"
)

type fakeMarker struct {
	id  int64
	url string
	err error
}

func (m *fakeMarker) MarkPublished(ctx context.Context, id int64, url string) error {
	m.id, m.url = id, url
	return m.err
}

func outcome(path string) capture.Outcome {
	start := time.Date(2024, 5, 1, 20, 30, 0, 0, time.UTC)
	return capture.Outcome{
		Capture:   capture.Capture{ID: "c1", Stream: capture.Stream{Identity: "alice", InstanceID: "7001"}, Started: start},
		Artifact:  assemble.Result{Path: path, Mode: assemble.ModeCopy, Segments: []string{"a", "b"}, Bytes: 3 << 20},
		Ended:     start.Add(90 * time.Minute),
		JournalID: 42,
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.YTClientID = "client"
	cfg.YTClientSecret = "secret"
	return cfg
}

func TestTitleAndDescription(t *testing.T) {
	o := outcome("/out/a.mp4")
	if got := Title(o); got != "alice live 2024-05-01 20:30" {
		t.Errorf("Title() = %q", got)
	}
	o.Identity = strings.Repeat("x", 150)
	if got := Title(o); len([]rune(got)) != maxTitle {
		t.Errorf("Title() length = %d, want %d", len([]rune(got)), maxTitle)
	}
	d := Description(outcome("/out/a.mp4"))
	for _, want := range []string{"7001", "Segments: 2", "3.1 MB", "Duration: 1h30m0s"} {
		if !strings.Contains(d, want) {
			t.Errorf("Description() = %q, missing %q", d, want)
		}
	}
}

func TestPublishMarksCatalog(t *testing.T) {
	marker := &fakeMarker{}
	var gotPrivacy, gotTitle string
	p := &Publisher{
		Privacy: "unlisted",
		Catalog: marker,
		Upload: func(ctx context.Context, path, title, desc, privacy string) (string, error) {
			gotPrivacy, gotTitle = privacy, title
			return "https://www.youtube.com/watch?v=abc", nil
		},
	}
	if err := p.Publish(context.Background(), outcome("/out/a.mp4")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if marker.id != 42 || marker.url != "https://www.youtube.com/watch?v=abc" {
		t.Errorf("marker = %+v", marker)
	}
	if gotPrivacy != "unlisted" || !strings.HasPrefix(gotTitle, "alice live") {
		t.Errorf("upload got privacy=%q title=%q", gotPrivacy, gotTitle)
	}
}

func TestPublishErrors(t *testing.T) {
	marker := &fakeMarker{}
	boom := errors.New("quota exceeded")
	p := &Publisher{Catalog: marker, Upload: func(context.Context, string, string, string, string) (string, error) {
		return "", boom
	}}
	if err := p.Publish(context.Background(), outcome("")); !errors.Is(err, ErrNoArtifact) {
		t.Errorf("empty artifact: err = %v", err)
	}
	if err := p.Publish(context.Background(), outcome("/out/a.mp4")); !errors.Is(err, boom) {
		t.Errorf("upload failure: err = %v", err)
	}
	if marker.id != 0 {
		t.Error("failed upload must not mark the catalog")
	}
}

func TestRefreshIfNeededUsesStoredToken(t *testing.T) {
	store := oauth.NewMemoryStore()
	_ = store.UpsertOAuthToken(context.Background(), Provider, "stored", "rt", time.Now().Add(time.Hour), "")
	s := New(testConfig(), store)
	s.oauth.Endpoint = oauth2.Endpoint{TokenURL: "http://127.0.0.1:1/token"} // never reached
	tok, err := s.refreshIfNeeded(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "stored" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
}

func TestRefreshIfNeededSeedsFromConfig(t *testing.T) {
	srv := testutil.NewMockServer(t)
	srv.MockOAuthTokenResponse("fresh-access", 3600)

	cfg := testConfig()
	cfg.YTRefreshToken = "seed-refresh"
	store := oauth.NewMemoryStore()
	s := New(cfg, store)
	s.oauth.Endpoint = oauth2.Endpoint{TokenURL: srv.URL + "/token"}

	tok, err := s.refreshIfNeeded(context.Background())
	if err != nil {
		t.Fatalf("refreshIfNeeded() error = %v", err)
	}
	if tok.AccessToken != "fresh-access" {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	at, rt, exp, _, _ := store.GetOAuthToken(context.Background(), Provider)
	if at != "fresh-access" || rt != "seed-refresh" || time.Until(exp) < 30*time.Minute {
		t.Errorf("stored token = %q %q %v", at, rt, exp)
	}
}

func TestRefreshIfNeededNoToken(t *testing.T) {
	s := New(testConfig(), oauth.NewMemoryStore())
	if _, err := s.refreshIfNeeded(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Fatalf("err = %v, want ErrNoToken", err)
	}
}

func TestUploadThroughAPI(t *testing.T) {
	srv := testutil.NewMockServer(t)
	srv.MockVideoInsert("vid123", "stored")

	store := oauth.NewMemoryStore()
	_ = store.UpsertOAuthToken(context.Background(), Provider, "stored", "rt", time.Now().Add(time.Hour), "")
	svc := New(testConfig(), store, option.WithEndpoint(srv.URL+"/"))

	path := filepath.Join(t.TempDir(), "alice_7001_2024-05-01.mp4")
	if err := os.WriteFile(path, []byte("not really a video"), 0o644); err != nil {
		t.Fatal(err)
	}
	marker := &fakeMarker{}
	p := &Publisher{Service: svc, Catalog: marker}
	if err := p.Publish(context.Background(), outcome(path)); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if marker.url != "https://www.youtube.com/watch?v=vid123" {
		t.Errorf("published url = %q", marker.url)
	}
}
