package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// MockServer is an httptest server dispatching on exact request paths.
type MockServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
	hits     atomic.Int64
}

// NewMockServer creates a mock server; register Handlers before issuing requests.
func NewMockServer(t *testing.T) *MockServer {
	t.Helper()
	m := &MockServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.hits.Add(1)
		if handler, ok := m.Handlers[r.URL.Path]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Hits counts requests served, including 404s.
func (m *MockServer) Hits() int64 { return m.hits.Load() }

// RoomInfoPath is where MockRooms serves room lookups.
const RoomInfoPath = "/webcast/room/info/"

// RoomBody renders a room info payload. Slashes in mediaURL are JSON-escaped the way the real
// endpoint does it.
func RoomBody(live bool, displayID, mediaURL string) string {
	status := 4
	if live {
		status = 2
	}
	var b strings.Builder
	fmt.Fprintf(&b, `{"data":{"status":%d`, status)
	if displayID != "" {
		fmt.Fprintf(&b, `,"owner":{"display_id":"%s"}`, displayID)
	}
	if mediaURL != "" {
		fmt.Fprintf(&b, `,"stream_url":{"flv_pull_url":{"FULL_HD1":"%s"}}`, strings.ReplaceAll(mediaURL, "/", `\/`))
	}
	b.WriteString(`}}`)
	return b.String()
}

// MockRooms serves RoomInfoPath, answering each room_id with its body. Unknown rooms get 404.
func (m *MockServer) MockRooms(rooms map[string]string) {
	m.Handlers[RoomInfoPath] = func(w http.ResponseWriter, r *http.Request) {
		body, ok := rooms[r.URL.Query().Get("room_id")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body)) //nolint:errcheck // test mock response
	}
}

// MockOAuthTokenResponse adds a handler for an OAuth2 token endpoint at /token.
func (m *MockServer) MockOAuthTokenResponse(accessToken string, expiresIn int) {
	m.Handlers["/token"] = func(w http.ResponseWriter, r *http.Request) {
		response := map[string]any{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response) //nolint:errcheck // test mock response
	}
}

// MockVideoInsert answers YouTube video inserts (plain and media upload paths) with videoID.
// wantBearer, when set, must match the Authorization header.
func (m *MockServer) MockVideoInsert(videoID, wantBearer string) {
	h := func(w http.ResponseWriter, r *http.Request) {
		if wantBearer != "" && r.Header.Get("Authorization") != "Bearer "+wantBearer {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": videoID, "kind": "youtube#video"}) //nolint:errcheck // test mock response
	}
	m.Handlers["/youtube/v3/videos"] = h
	m.Handlers["/upload/youtube/v3/videos"] = h
}
