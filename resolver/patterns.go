package resolver

import (
	"regexp"
	"strings"
	"sync"
)

// Patterns holds the regular expressions used to scrape the remote site. They are built once and
// shared read-only; swap the whole value to follow markup changes.
type Patterns struct {
	Username  *regexp.Regexp // live page: @handle
	RoomID    *regexp.Regexp // live page: room_id=<digits>
	Live      *regexp.Regexp // room info: live status flag
	DisplayID *regexp.Regexp // room info: display name
	M3U8      *regexp.Regexp // room info: adaptive manifest URL
	FLV       *regexp.Regexp // room info: direct-file candidates
	StreamID  *regexp.Regexp // media URL: stream instance id
}

// DefaultPatterns returns the process-wide pattern set.
var DefaultPatterns = sync.OnceValue(func() *Patterns {
	return &Patterns{
		Username:  regexp.MustCompile(`@([a-zA-Z0-9_]+)`),
		RoomID:    regexp.MustCompile(`room_id=(\d+)`),
		Live:      regexp.MustCompile(`"status":\s*2\b`),
		DisplayID: regexp.MustCompile(`"display_id":\s*"([^"]+)"`),
		M3U8:      regexp.MustCompile(`https://[^"'\s]+\.m3u8[^"'\s]*`),
		FLV:       regexp.MustCompile(`"(https?://[^"]+\.flv[^"]*)"`),
		StreamID:  regexp.MustCompile(`stream-(\d+)_`),
	}
})

// UnknownInstance is the stream instance id used when a media URL carries none.
const UnknownInstance = "unknown"

// StreamInstanceID extracts the numeric broadcast session id from a media URL.
func StreamInstanceID(mediaURL string) string {
	if m := DefaultPatterns().StreamID.FindStringSubmatch(mediaURL); m != nil {
		return m[1]
	}
	return UnknownInstance
}

var jsonURLReplacer = strings.NewReplacer(`\u002F`, "/", `\u002f`, "/", `\/`, "/", `\u0026`, "&")

// NormalizeURL undoes JSON escaping commonly found in scraped URLs.
func NormalizeURL(s string) string {
	return jsonURLReplacer.Replace(s)
}

// userAgents is the mobile user-agent pool rotated per attempt.
var userAgents = []string{
	"Mozilla/5.0 (iPhone; U; CPU iPhone OS 4_3_5 like Mac OS X; en-us) AppleWebKit/533.17.9 (KHTML, like Gecko) Version/5.0.2 Mobile/8L1 Safari/6533.18.5",
	"Mozilla/5.0 (iPhone; U; CPU iPhone OS 3_1_3 like Mac OS X; en-us) AppleWebKit/528.18 (KHTML, like Gecko) Version/4.0 Mobile/7E18 Safari/528.16",
	"Mozilla/5.0 (iPhone; U; CPU iPhone OS 4_3_3 like Mac OS X; es-es) AppleWebKit/533.17.9 (KHTML, like Gecko) Version/5.0.2 Mobile/8J2 Safari/6533.18.5",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 5_0 like Mac OS X) AppleWebKit/534.46 (KHTML, like Gecko) Mobile/9A5313e",
	"Mozilla/5.0 (iPhone; U; CPU iPhone OS 4_3_5 like Mac OS X; en-us) AppleWebKit/533.17.9 (KHTML, like Gecko) Mobile/8L1",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 5_0 like Mac OS X) AppleWebKit/534.46 (KHTML, like Gecko) Version/5.1 Mobile/9A5313e Safari/7534.48.3",
	"Mozilla/5.0 (iPhone; U; CPU iPhone OS 4_3_3 like Mac OS X; en-us) AppleWebKit/533.17.9 (KHTML, like Gecko) Mobile/8J2",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 13_2_3 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/13.0.3 Mobile/15E148 Safari/604.1",
}

// DefaultUserAgents returns a copy of the built-in user-agent pool.
func DefaultUserAgents() []string {
	return append([]string(nil), userAgents...)
}
