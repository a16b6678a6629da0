// Package publish uploads finished artifacts to YouTube. Tokens live in an oauth.TokenStore
// (the catalog's oauth_tokens table, or memory when the farm runs without a database) and are
// seeded from the configured refresh token on first use.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	yt "google.golang.org/api/youtube/v3"

	"github.com/onnwee/streamfarm/config"
	"github.com/onnwee/streamfarm/oauth"
)

// Provider is the oauth_tokens key for YouTube credentials.
const Provider = "youtube"

// ErrNoToken means neither the store nor the configuration holds a usable token.
var ErrNoToken = errors.New("no youtube token stored")

type Service struct {
	store oauth.TokenStore
	oauth *oauth2.Config
	seed  string // refresh token from configuration
	opts  []option.ClientOption
}

// New builds a Service from the YouTube credentials in cfg. opts are passed to the API client.
func New(cfg *config.Config, ts oauth.TokenStore, opts ...option.ClientOption) *Service {
	oc := &oauth2.Config{
		ClientID:     cfg.YTClientID,
		ClientSecret: cfg.YTClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{yt.YoutubeUploadScope},
	}
	return &Service{store: ts, oauth: oc, seed: cfg.YTRefreshToken, opts: opts}
}

// Refresh exchanges refreshToken for a new token and stores it. It satisfies oauth.RefreshFunc.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	tok, err := s.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("refresh youtube token: %w", err)
	}
	rawBytes, _ := json.Marshal(tok)
	return tok.AccessToken, tok.RefreshToken, tok.Expiry, string(rawBytes), nil
}

func (s *Service) refreshIfNeeded(ctx context.Context) (*oauth2.Token, error) {
	access, refresh, expiry, raw, err := s.store.GetOAuthToken(ctx, Provider)
	if err != nil {
		return nil, err
	}
	if refresh == "" {
		refresh = s.seed
	}
	if access == "" && refresh == "" {
		return nil, ErrNoToken
	}
	var tok oauth2.Token
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &tok)
	}
	tok.AccessToken = access
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	if access != "" && time.Until(expiry) > 2*time.Minute {
		return &tok, nil
	}
	if refresh == "" {
		return nil, fmt.Errorf("youtube token expired at %s and no refresh token: %w", expiry.Format(time.RFC3339), ErrNoToken)
	}
	at, rt, exp, newRaw, err := s.Refresh(ctx, refresh)
	if err != nil {
		return nil, err
	}
	if rt == "" {
		rt = refresh
	}
	if err := s.store.UpsertOAuthToken(ctx, Provider, at, rt, exp, newRaw); err != nil {
		return nil, fmt.Errorf("store youtube token: %w", err)
	}
	return &oauth2.Token{AccessToken: at, RefreshToken: rt, Expiry: exp, TokenType: "Bearer"}, nil
}

// Client returns an authorized YouTube API client.
func (s *Service) Client(ctx context.Context) (*yt.Service, error) {
	tok, err := s.refreshIfNeeded(ctx)
	if err != nil {
		return nil, err
	}
	opts := append([]option.ClientOption{option.WithHTTPClient(s.oauth.Client(ctx, tok))}, s.opts...)
	return yt.NewService(ctx, opts...)
}

// UploadVideo uploads the file at path and returns its watch URL. privacy defaults to private.
func UploadVideo(ctx context.Context, svc *yt.Service, path, title, description, privacy string) (string, error) {
	if svc == nil {
		return "", fmt.Errorf("nil youtube service")
	}
	if privacy == "" {
		privacy = "private"
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file: %w", err)
	}
	defer f.Close()
	video := &yt.Video{
		Snippet: &yt.VideoSnippet{Title: title, Description: description},
		Status:  &yt.VideoStatus{PrivacyStatus: privacy},
	}
	res, err := svc.Videos.Insert([]string{"snippet", "status"}, video).Media(f).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("youtube upload: %w", err)
	}
	if res.Id == "" {
		return "", fmt.Errorf("youtube upload: empty id")
	}
	return "https://www.youtube.com/watch?v=" + res.Id, nil
}
