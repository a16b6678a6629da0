// Package db provides the optional capture catalog: connection helpers, embedded schema
// migrations, the captures journal and the publisher's OAuth token store.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/streamfarm/capture"
	"github.com/onnwee/streamfarm/crypto"
)

// Capture states stored in captures.state.
const (
	StateRecording = "recording"
	StateAssembled = "assembled"
	StateFailed    = "failed"
	StatePublished = "published"
)

// Connect opens a Postgres connection pool for dsn and verifies it answers.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, errors.New("empty database dsn")
	}
	dbx, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	dbx.SetMaxOpenConns(8)
	dbx.SetConnMaxIdleTime(5 * time.Minute)
	pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := dbx.PingContext(pctx); err != nil {
		_ = dbx.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return dbx, nil
}

// Catalog journals captures into the captures table. It implements capture.Journal.
type Catalog struct{ DB *sql.DB }

// Record is one catalog row.
type Record struct {
	ID            int64     `json:"id"`
	CaptureID     string    `json:"capture_id"`
	Identity      string    `json:"identity"`
	InstanceID    string    `json:"instance_id"`
	State         string    `json:"state"`
	Started       time.Time `json:"started_at"`
	Ended         time.Time `json:"ended_at,omitzero"`
	ExitCode      int       `json:"exit_code"`
	Segments      int       `json:"segments"`
	ArtifactPath  string    `json:"artifact_path,omitempty"`
	ArtifactBytes int64     `json:"artifact_bytes"`
	Error         string    `json:"error,omitempty"`
	PublishedURL  string    `json:"published_url,omitempty"`
}

// Begin inserts a recording row for c and returns its id.
func (c *Catalog) Begin(ctx context.Context, cp capture.Capture) (int64, error) {
	var id int64
	err := c.DB.QueryRowContext(ctx, `INSERT INTO captures(capture_id, identity, instance_id, media_url, state, started_at)
		VALUES($1,$2,$3,$4,$5,$6) RETURNING id`,
		cp.ID, cp.Identity, cp.InstanceID, cp.MediaURL, StateRecording, cp.Started).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert capture %s: %w", cp.ID, err)
	}
	return id, nil
}

// Finish stores the outcome of capture id.
func (c *Catalog) Finish(ctx context.Context, id int64, o capture.Outcome) error {
	state := StateAssembled
	var errText sql.NullString
	if o.Err != nil {
		state = StateFailed
		errText = sql.NullString{String: o.Err.Error(), Valid: true}
	}
	_, err := c.DB.ExecContext(ctx, `UPDATE captures SET state=$1, ended_at=$2, exit_code=$3, segment_path=$4,
		segment_count=$5, artifact_path=NULLIF($6,''), artifact_mode=NULLIF($7,''), artifact_bytes=$8, error=$9, updated_at=NOW()
		WHERE id=$10`,
		state, o.Ended, o.ExitCode, o.Segment, len(o.Artifact.Segments), o.Artifact.Path, o.Artifact.Mode,
		o.Artifact.Bytes, errText, id)
	if err != nil {
		return fmt.Errorf("update capture %d: %w", id, err)
	}
	return nil
}

// MarkPublished records where the artifact of capture id was uploaded.
func (c *Catalog) MarkPublished(ctx context.Context, id int64, url string) error {
	res, err := c.DB.ExecContext(ctx, `UPDATE captures SET state=$1, published_url=$2, published_at=NOW(), updated_at=NOW() WHERE id=$3`,
		StatePublished, url, id)
	if err != nil {
		return fmt.Errorf("mark capture %d published: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark capture %d published: %w", id, sql.ErrNoRows)
	}
	return nil
}

// Recent returns up to limit captures, newest first.
func (c *Catalog) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := c.DB.QueryContext(ctx, `SELECT id, capture_id, identity, instance_id, state, started_at,
		ended_at, COALESCE(exit_code, -1), segment_count, COALESCE(artifact_path,''), artifact_bytes,
		COALESCE(error,''), COALESCE(published_url,'')
		FROM captures ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query captures: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var r Record
		var ended sql.NullTime
		if err := rows.Scan(&r.ID, &r.CaptureID, &r.Identity, &r.InstanceID, &r.State, &r.Started,
			&ended, &r.ExitCode, &r.Segments, &r.ArtifactPath, &r.ArtifactBytes, &r.Error, &r.PublishedURL); err != nil {
			return nil, err
		}
		if ended.Valid {
			r.Ended = ended.Time
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// TokenStore persists OAuth tokens in oauth_tokens. Tokens are sealed when Sealer is set;
// rows sealed under another key fail to load rather than yielding ciphertext.
type TokenStore struct {
	DB     *sql.DB
	Sealer crypto.Sealer // optional
}

// UpsertOAuthToken stores or replaces the token for provider.
func (t *TokenStore) UpsertOAuthToken(ctx context.Context, provider, access, refresh string, expiry time.Time, raw string) error {
	keyID := ""
	if t.Sealer != nil {
		keyID = t.Sealer.KeyID()
		var err error
		for _, v := range []*string{&access, &refresh, &raw} {
			if *v, err = t.Sealer.Seal(*v); err != nil {
				return fmt.Errorf("seal %s token: %w", provider, err)
			}
		}
	}
	_, err := t.DB.ExecContext(ctx, `INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, raw, encryption_key_id, updated_at)
		VALUES($1,$2,$3,$4,$5,$6,NOW())
		ON CONFLICT(provider) DO UPDATE SET
			access_token=EXCLUDED.access_token,
			refresh_token=EXCLUDED.refresh_token,
			expires_at=EXCLUDED.expires_at,
			raw=EXCLUDED.raw,
			encryption_key_id=EXCLUDED.encryption_key_id,
			updated_at=NOW()`,
		provider, access, refresh, expiry, raw, keyID)
	return err
}

// GetOAuthToken loads the token for provider; all values are zero when none is stored.
func (t *TokenStore) GetOAuthToken(ctx context.Context, provider string) (access, refresh string, expiry time.Time, raw string, err error) {
	var keyID string
	var exp sql.NullTime
	err = t.DB.QueryRowContext(ctx, `SELECT access_token, refresh_token, expires_at, raw, encryption_key_id
		FROM oauth_tokens WHERE provider=$1`, provider).Scan(&access, &refresh, &exp, &raw, &keyID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", time.Time{}, "", nil
	}
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	if exp.Valid {
		expiry = exp.Time
	}
	if keyID == "" {
		return access, refresh, expiry, raw, nil
	}
	if t.Sealer == nil {
		return "", "", time.Time{}, "", fmt.Errorf("%s token is encrypted but ENCRYPTION_KEY not configured", provider)
	}
	for _, v := range []*string{&access, &refresh, &raw} {
		if *v, err = t.Sealer.Open(*v); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("open %s token: %w", provider, err)
		}
	}
	return access, refresh, expiry, raw, nil
}

// SealPlaintext seals every token row stored without a key and returns the providers it sealed
// (or would seal, with dryRun). It requires Sealer.
func (t *TokenStore) SealPlaintext(ctx context.Context, dryRun bool) ([]string, error) {
	if t.Sealer == nil {
		return nil, errors.New("seal plaintext tokens: no encryption key configured")
	}
	rows, err := t.DB.QueryContext(ctx, `SELECT provider FROM oauth_tokens WHERE encryption_key_id='' ORDER BY provider`)
	if err != nil {
		return nil, fmt.Errorf("query plaintext tokens: %w", err)
	}
	var providers []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		providers = append(providers, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if dryRun {
		return providers, nil
	}
	plain := &TokenStore{DB: t.DB}
	sealed := providers[:0:0]
	for _, p := range providers {
		access, refresh, expiry, raw, err := plain.GetOAuthToken(ctx, p)
		if err != nil {
			return sealed, fmt.Errorf("read %s token: %w", p, err)
		}
		if err := t.UpsertOAuthToken(ctx, p, access, refresh, expiry, raw); err != nil {
			return sealed, fmt.Errorf("seal %s token: %w", p, err)
		}
		sealed = append(sealed, p)
	}
	return sealed, nil
}
