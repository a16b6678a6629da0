package db

import (
	"context"
	"database/sql"
	"encoding/base64"
	"errors"
	"io/fs"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/streamfarm/assemble"
	"github.com/onnwee/streamfarm/capture"
	"github.com/onnwee/streamfarm/crypto"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	database, err := Connect(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := RunMigrations(database); err != nil {
		database.Close()
		t.Fatalf("migrate: %v", err)
	}
	if _, err := database.Exec(`TRUNCATE captures, oauth_tokens`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected file in migrations: %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for v := range ups {
		if !downs[v] {
			t.Errorf("migration %s has no down file", v)
		}
	}
	for v := range downs {
		if !ups[v] {
			t.Errorf("migration %s has no up file", v)
		}
	}
}

func TestConnectEmptyDSN(t *testing.T) {
	if _, err := Connect(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty dsn")
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	database := setupTestDB(t)
	if err := RunMigrations(database); err != nil {
		t.Fatalf("second RunMigrations() error = %v", err)
	}
	version, dirty, err := GetMigrationVersion(database)
	if err != nil {
		t.Fatal(err)
	}
	if dirty || version < 2 {
		t.Errorf("version = %d dirty = %v, want >= 2 clean", version, dirty)
	}
}

func TestCatalogLifecycle(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	cat := &Catalog{DB: database}

	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := capture.Capture{ID: "cap-1", Stream: capture.NewStream("alice", "https://cdn.example/stream-1234_or4.flv"), Started: started}
	id, err := cat.Begin(ctx, c)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	recs, err := cat.Recent(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].State != StateRecording || recs[0].InstanceID != "1234" {
		t.Fatalf("after Begin: %+v", recs)
	}

	o := capture.Outcome{Capture: c, Segment: "/seg/a.mp4", ExitCode: 0, Ended: started.Add(time.Hour),
		Artifact: assemble.Result{Path: "/out/alice_1234_2024-05-01.mp4", Mode: assemble.ModeCopy, Segments: []string{"/seg/a.mp4"}, Bytes: 2048}}
	if err := cat.Finish(ctx, id, o); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if err := cat.MarkPublished(ctx, id, "https://www.youtube.com/watch?v=x"); err != nil {
		t.Fatalf("MarkPublished() error = %v", err)
	}
	recs, _ = cat.Recent(ctx, 10)
	r := recs[0]
	if r.State != StatePublished || r.ArtifactBytes != 2048 || r.Segments != 1 || r.PublishedURL == "" || r.Ended.IsZero() {
		t.Errorf("after publish: %+v", r)
	}
}

func TestCatalogFinishFailed(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	cat := &Catalog{DB: database}
	c := capture.Capture{ID: "cap-2", Stream: capture.NewStream("bob", "https://cdn.example/x.flv"), Started: time.Now()}
	id, err := cat.Begin(ctx, c)
	if err != nil {
		t.Fatal(err)
	}
	o := capture.Outcome{Capture: c, ExitCode: -1, Ended: time.Now(), Err: assemble.ErrNoSegmentsFound}
	if err := cat.Finish(ctx, id, o); err != nil {
		t.Fatal(err)
	}
	recs, _ := cat.Recent(ctx, 1)
	if recs[0].State != StateFailed || !strings.Contains(recs[0].Error, "no segments") {
		t.Errorf("failed capture row: %+v", recs[0])
	}
	if err := cat.MarkPublished(ctx, id+100, "u"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("MarkPublished(missing) error = %v", err)
	}
}

func TestTokenStoreSealed(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	sealer, err := crypto.NewAESSealer(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	if err != nil {
		t.Fatal(err)
	}
	store := &TokenStore{DB: database, Sealer: sealer}
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	if err := store.UpsertOAuthToken(ctx, "youtube", "access", "refresh", exp, `{"access_token":"access"}`); err != nil {
		t.Fatal(err)
	}

	var stored string
	if err := database.QueryRow(`SELECT refresh_token FROM oauth_tokens WHERE provider='youtube'`).Scan(&stored); err != nil {
		t.Fatal(err)
	}
	if stored == "refresh" || !strings.HasPrefix(stored, sealer.KeyID()+":") {
		t.Errorf("refresh token stored as %q, want sealed", stored)
	}

	access, refresh, gotExp, raw, err := store.GetOAuthToken(ctx, "youtube")
	if err != nil {
		t.Fatal(err)
	}
	if access != "access" || refresh != "refresh" || !gotExp.Equal(exp) || !strings.Contains(raw, "access_token") {
		t.Errorf("GetOAuthToken() = %q %q %v %q", access, refresh, gotExp, raw)
	}

	plain := &TokenStore{DB: database}
	if _, _, _, _, err := plain.GetOAuthToken(ctx, "youtube"); err == nil {
		t.Error("reading a sealed token without a key should fail")
	}
	if a, _, _, _, err := plain.GetOAuthToken(ctx, "missing"); err != nil || a != "" {
		t.Errorf("missing provider = %q, %v", a, err)
	}
}

func TestSealPlaintext(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	plain := &TokenStore{DB: database}
	if err := plain.UpsertOAuthToken(ctx, "youtube", "a", "r", time.Now().Add(time.Hour), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := plain.SealPlaintext(ctx, false); err == nil {
		t.Fatal("SealPlaintext without a key should fail")
	}
	sealer, _ := crypto.NewAESSealer(base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef")))
	store := &TokenStore{DB: database, Sealer: sealer}

	got, err := store.SealPlaintext(ctx, true)
	if err != nil || len(got) != 1 || got[0] != "youtube" {
		t.Fatalf("dry run = %v, %v", got, err)
	}
	if a, _, _, _, _ := plain.GetOAuthToken(ctx, "youtube"); a != "a" {
		t.Fatal("dry run modified the row")
	}
	if got, err = store.SealPlaintext(ctx, false); err != nil || len(got) != 1 {
		t.Fatalf("SealPlaintext() = %v, %v", got, err)
	}
	if a, r, _, _, err := store.GetOAuthToken(ctx, "youtube"); err != nil || a != "a" || r != "r" {
		t.Errorf("after sealing: %q %q %v", a, r, err)
	}
	if again, _ := store.SealPlaintext(ctx, false); len(again) != 0 {
		t.Errorf("second pass sealed %v", again)
	}
}
