package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/onnwee/streamfarm/telemetry"
)

// RoomState classifies a room info response.
type RoomState int

const (
	NotFound RoomState = iota
	NotLive
	URLAndUsername
	NoURLInResponse
)

func (s RoomState) String() string {
	switch s {
	case NotFound:
		return "not_found"
	case NotLive:
		return "not_live"
	case URLAndUsername:
		return "live"
	case NoURLInResponse:
		return "no_url"
	default:
		return "unknown"
	}
}

// RoomInfo is the outcome of a room lookup. URL and DisplayName are set only for URLAndUsername.
type RoomInfo struct {
	State       RoomState
	URL         string
	DisplayName string
}

const maxRoomInfoBytes = 8 << 20

// DefaultRoomTimeout bounds one room info query.
const DefaultRoomTimeout = 10 * time.Second

// RoomResolver queries the room info endpoint for live media URLs.
type RoomResolver struct {
	Endpoint     string // base URL; room_id is added as a query parameter
	Pool         *Pool
	Patterns     *Patterns
	Timeout      time.Duration // room info request, including the body read
	ProbeTimeout time.Duration

	// Client is swapped in tests.
	Client func(proxy *url.URL) *http.Client
}

// NewRoomResolver returns a resolver for endpoint.
func NewRoomResolver(endpoint string, pool *Pool) *RoomResolver {
	return &RoomResolver{Endpoint: endpoint, Pool: pool, Patterns: DefaultPatterns(),
		Timeout: DefaultRoomTimeout, ProbeTimeout: 10 * time.Second}
}

// Lookup fetches room info for roomID and classifies it. Transport failures and non-404 error
// statuses are returned as errors rather than a state.
func (r *RoomResolver) Lookup(ctx context.Context, roomID string) (RoomInfo, error) {
	ctx, span := telemetry.StartSpan(ctx, "resolver", "room-lookup")
	defer span.End()

	u, err := url.Parse(r.Endpoint)
	if err != nil {
		return RoomInfo{}, fmt.Errorf("parse room endpoint: %w", err)
	}
	q := u.Query()
	q.Set("room_id", roomID)
	u.RawQuery = q.Encode()

	reqCtx := ctx
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	proxy, ua := r.Pool.Pick()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return RoomInfo{}, err
	}
	req.Header.Set("User-Agent", ua)
	resp, err := r.client(proxy).Do(req)
	if err != nil {
		telemetry.RecordError(span, err)
		return RoomInfo{}, err
	}
	defer resp.Body.Close()
	telemetry.SetSpanHTTPStatus(span, resp.StatusCode)

	if resp.StatusCode == http.StatusNotFound {
		return r.done(span, RoomInfo{State: NotFound}), nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		err := &StatusError{Code: resp.StatusCode, URL: u.String()}
		telemetry.RecordError(span, err)
		return RoomInfo{}, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRoomInfoBytes))
	if err != nil {
		return RoomInfo{}, fmt.Errorf("read room info: %w", err)
	}
	return r.done(span, r.classify(ctx, NormalizeURL(string(body)))), nil
}

func (r *RoomResolver) done(span trace.Span, info RoomInfo) RoomInfo {
	telemetry.IncLabel(telemetry.RoomLookups, info.State.String())
	span.SetAttributes(telemetry.OutcomeAttr(info.State.String()))
	return info
}

// classify applies the room info rules to an unescaped body:
// no live flag -> NotLive; live with display id and a URL -> URLAndUsername; otherwise NoURLInResponse.
// An adaptive manifest wins over direct files; direct files are probed in order and the first one
// answering 2xx wins, falling back to the first candidate unprobed.
func (r *RoomResolver) classify(ctx context.Context, body string) RoomInfo {
	p := r.Patterns
	if p == nil {
		p = DefaultPatterns()
	}
	if !p.Live.MatchString(body) {
		return RoomInfo{State: NotLive}
	}
	m := p.DisplayID.FindStringSubmatch(body)
	if m == nil {
		return RoomInfo{State: NoURLInResponse}
	}
	name := m[1]
	if u := p.M3U8.FindString(body); u != "" {
		return RoomInfo{State: URLAndUsername, URL: u, DisplayName: name}
	}
	flvs := p.FLV.FindAllStringSubmatch(body, -1)
	if len(flvs) == 0 {
		return RoomInfo{State: NoURLInResponse}
	}
	for _, c := range flvs {
		if final, ok := r.probe(ctx, c[1]); ok {
			return RoomInfo{State: URLAndUsername, URL: final, DisplayName: name}
		}
	}
	return RoomInfo{State: URLAndUsername, URL: flvs[0][1], DisplayName: name}
}

// probe issues a GET for candidate and reports the post-redirect URL on a 2xx answer. Only the
// headers are read.
func (r *RoomResolver) probe(ctx context.Context, candidate string) (string, bool) {
	if r.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.ProbeTimeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, candidate, nil)
	if err != nil {
		return "", false
	}
	proxy, ua := r.Pool.Pick()
	req.Header.Set("User-Agent", ua)
	resp, err := r.client(proxy).Do(req)
	if err != nil {
		slog.Debug("flv probe failed", slog.String("component", "resolver"), slog.Any("err", err))
		return "", false
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", false
	}
	return resp.Request.URL.String(), true
}

func (r *RoomResolver) client(proxy *url.URL) *http.Client {
	if r.Client != nil {
		return r.Client(proxy)
	}
	return r.Pool.Client(proxy)
}
