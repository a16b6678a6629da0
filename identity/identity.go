// Package identity reads and writes the plain-text snapshots that connect the feed harvester, the
// resolver and the capture loop. All readers tolerate blank lines and # comments; writers replace the
// previous snapshot atomically so a concurrent reader never sees a half-written file.
package identity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Entry pairs an identity with a value: a media URL in the link snapshot, a room id in the monitored file.
type Entry struct {
	Identity string
	Value    string
}

// Source yields the current identity snapshot.
type Source interface {
	Snapshot() ([]Entry, error)
}

// Directory is the link snapshot written by the harvester: identity -> last resolved media URL.
// Files ending in .json hold a JSON object; anything else uses "identity = url" lines.
type Directory struct {
	Path string
}

// Snapshot reads the link file. Entries with an empty value are dropped.
func (d Directory) Snapshot() ([]Entry, error) {
	if strings.EqualFold(filepath.Ext(d.Path), ".json") {
		return readJSONLinks(d.Path)
	}
	return ReadPairs(d.Path)
}

func readJSONLinks(path string) ([]Entry, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil, nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	out := make([]Entry, 0, len(m))
	for k, v := range m {
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if k == "" || v == "" {
			continue
		}
		out = append(out, Entry{Identity: k, Value: v})
	}
	sortEntries(out)
	return out, nil
}

// ReadLines returns the trimmed, non-empty, non-comment lines of path.
func ReadLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", path, err)
	}
	return out, nil
}

// ReadPairs parses "identity = value" lines. Lines without '=' are skipped, as are entries with an
// empty side.
func ReadPairs(path string) ([]Entry, error) {
	lines, err := ReadLines(path)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(lines))
	for _, line := range lines {
		e, ok := ParsePair(line)
		if !ok {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ParsePair parses one "identity = value" line. Only the first '=' separates; media URLs keep
// their query strings.
func ParsePair(line string) (Entry, bool) {
	k, v, found := strings.Cut(line, "=")
	if !found {
		return Entry{}, false
	}
	e := Entry{Identity: strings.TrimSpace(k), Value: strings.TrimSpace(v)}
	if e.Identity == "" || e.Value == "" {
		return Entry{}, false
	}
	return e, true
}

// WriteMonitored replaces path with one "identity = value" line per entry, sorted by identity.
func WriteMonitored(path string, entries []Entry) error {
	sorted := append([]Entry(nil), entries...)
	sortEntries(sorted)
	var b strings.Builder
	for _, e := range sorted {
		fmt.Fprintf(&b, "%s = %s\n", e.Identity, e.Value)
	}
	return writeAtomic(path, []byte(b.String()))
}

// WriteLines replaces path with lines.
func WriteLines(path string, lines []string) error {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l)
		b.WriteByte('\n')
	}
	return writeAtomic(path, []byte(b.String()))
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

// HandleFromURL extracts the @handle from a live page URL such as https://host/@name/live.
func HandleFromURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if strings.HasPrefix(seg, "@") && len(seg) > 1 {
			return seg[1:]
		}
	}
	return ""
}

func sortEntries(es []Entry) {
	sort.Slice(es, func(i, j int) bool { return es[i].Identity < es[j].Identity })
}
