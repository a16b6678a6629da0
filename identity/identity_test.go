package identity

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func write(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestReadPairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitored_users.txt")
	write(t, path, `
# comment
alice = 7301
bob=7302
malformed line
 = 99
carol =
dave = https://cdn.example/stream-1234_or4.flv?expire=1&sign=abc
`)
	got, err := ReadPairs(path)
	if err != nil {
		t.Fatalf("ReadPairs: %v", err)
	}
	want := []Entry{
		{"alice", "7301"},
		{"bob", "7302"},
		{"dave", "https://cdn.example/stream-1234_or4.flv?expire=1&sign=abc"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ReadPairs = %#v\nwant %#v", got, want)
	}
}

func TestDirectoryJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream_links.json")
	write(t, path, `{"zed": "https://x/stream-2_a.flv", "amy": "https://x/stream-1_a.flv", "empty": ""}`)
	got, err := Directory{Path: path}.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	want := []Entry{{"amy", "https://x/stream-1_a.flv"}, {"zed", "https://x/stream-2_a.flv"}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Snapshot = %#v, want %#v", got, want)
	}
}

func TestDirectoryEmptyAndInvalidJSON(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.json")
	write(t, empty, "  \n")
	got, err := Directory{Path: empty}.Snapshot()
	if err != nil || len(got) != 0 {
		t.Errorf("empty Snapshot = %v, %v; want nil, nil", got, err)
	}

	bad := filepath.Join(dir, "bad.json")
	write(t, bad, "{not json")
	if _, err := (Directory{Path: bad}).Snapshot(); err == nil {
		t.Error("invalid JSON: expected error")
	}

	if _, err := (Directory{Path: filepath.Join(dir, "missing.json")}).Snapshot(); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file err = %v, want ErrNotExist", err)
	}
}

func TestDirectoryPairsFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stream_links.txt")
	write(t, path, "alice = https://x/stream-9_a.m3u8\n")
	got, err := Directory{Path: path}.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Identity != "alice" {
		t.Errorf("Snapshot = %v", got)
	}
}

func TestWriteMonitoredOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lists", "monitored_users.txt")
	if err := WriteMonitored(path, []Entry{{"old", "1"}, {"older", "2"}}); err != nil {
		t.Fatal(err)
	}
	if err := WriteMonitored(path, []Entry{{"bob", "20"}, {"alice", "10"}}); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if want := "alice = 10\nbob = 20\n"; string(b) != want {
		t.Errorf("file = %q, want %q", b, want)
	}
	// no temp files left behind
	entries, _ := os.ReadDir(filepath.Dir(path))
	if len(entries) != 1 {
		t.Errorf("dir has %d entries, want 1", len(entries))
	}
}

func TestReadLinesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "live_urls.txt")
	lines := []string{"https://www.example.com/@a/live", "https://www.example.com/@b/live"}
	if err := WriteLines(path, lines); err != nil {
		t.Fatal(err)
	}
	got, err := ReadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got, lines) {
		t.Errorf("ReadLines = %v, want %v", got, lines)
	}
}

func TestHandleFromURL(t *testing.T) {
	tests := map[string]string{
		"https://www.tiktok.com/@some_user/live": "some_user",
		"https://www.tiktok.com/@x":              "x",
		"https://www.tiktok.com/live":            "",
		"://bad":                                 "",
	}
	for in, want := range tests {
		if got := HandleFromURL(in); got != want {
			t.Errorf("HandleFromURL(%q) = %q, want %q", in, got, want)
		}
	}
}
