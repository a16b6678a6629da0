package resolver

import (
	"errors"
	"fmt"
	"io/fs"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/streamfarm/identity"
)

// Pool rotates outbound proxies and user agents. Every attempt picks both uniformly at random;
// an empty proxy list means direct connections.
type Pool struct {
	proxies    []*url.URL
	userAgents []string
	timeout    time.Duration

	mu      sync.Mutex
	clients map[string]*http.Client
}

// NewPool builds a pool. Proxy entries may omit the scheme, in which case http:// is assumed.
func NewPool(proxies, userAgents []string, timeout time.Duration) (*Pool, error) {
	p := &Pool{timeout: timeout, clients: make(map[string]*http.Client)}
	for _, raw := range proxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid proxy %q", raw)
		}
		p.proxies = append(p.proxies, u)
	}
	p.userAgents = userAgents
	if len(p.userAgents) == 0 {
		p.userAgents = DefaultUserAgents()
	}
	return p, nil
}

// LoadPool reads one proxy per line from path. A missing file yields a direct-connection pool.
func LoadPool(path string, timeout time.Duration) (*Pool, error) {
	lines, err := identity.ReadLines(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("read proxies: %w", err)
	}
	return NewPool(lines, nil, timeout)
}

// Size reports the number of configured proxies.
func (p *Pool) Size() int { return len(p.proxies) }

// Pick returns a random proxy (nil for direct) and user agent.
func (p *Pool) Pick() (*url.URL, string) {
	ua := p.userAgents[rand.IntN(len(p.userAgents))]
	if len(p.proxies) == 0 {
		return nil, ua
	}
	return p.proxies[rand.IntN(len(p.proxies))], ua
}

// Client returns the cached HTTP client routing through proxy.
func (p *Pool) Client(proxy *url.URL) *http.Client {
	key := ""
	if proxy != nil {
		key = proxy.String()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[key]; ok {
		return c
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if proxy != nil {
		tr.Proxy = http.ProxyURL(proxy)
	} else {
		tr.Proxy = nil
	}
	c := &http.Client{Transport: tr, Timeout: p.timeout}
	p.clients[key] = c
	return c
}

// CloseIdle drops idle connections on every cached client.
func (p *Pool) CloseIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.clients {
		c.CloseIdleConnections()
	}
}
