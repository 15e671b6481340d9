package egress

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrUnknownProxy is returned when reporting on a proxy the pool never handed out.
var ErrUnknownProxy = errors.New("proxy not in pool")

const (
	DefaultMaxFailures = 3
	DefaultCooldown    = 5 * time.Minute
)

// ProxyConfig controls when a failing proxy is rested.
type ProxyConfig struct {
	// MaxFailures is the number of consecutive connection failures after
	// which a proxy rests.
	MaxFailures int
	Cooldown    time.Duration
}

type endpoint struct {
	url       *url.URL
	streak    int
	restUntil time.Time
}

// Proxies is the set of egress endpoints. Connection failures are counted
// per endpoint; one success clears the count. It is safe for concurrent use.
type Proxies struct {
	cfg ProxyConfig
	now func() time.Time

	mu        sync.Mutex
	endpoints []*endpoint
	byURL     map[string]*endpoint
	cursor    int
}

func NewProxies(cfg ProxyConfig) *Proxies {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = DefaultMaxFailures
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	return &Proxies{cfg: cfg, now: time.Now, byURL: map[string]*endpoint{}}
}

// LoadProxies reads an endpoint list such as "1.1.1.1:8080" or
// "socks5://host:1080", one per line.
func LoadProxies(path string, cfg ProxyConfig) (*Proxies, error) {
	lines, err := readList(path, "proxy")
	if err != nil {
		return nil, err
	}
	p := NewProxies(cfg)
	if err := p.Add(lines...); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// ParseProxy accepts a proxy URL or a bare host:port, which means http.
func ParseProxy(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse proxy %q: %w", raw, err)
	}
	switch u.Scheme {
	case "http", "https", "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("parse proxy %q: unsupported scheme %q", raw, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse proxy %q: missing host", raw)
	}
	return u, nil
}

// Add appends endpoints. Duplicates are ignored.
func (p *Proxies) Add(raw ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, r := range raw {
		u, err := ParseProxy(r)
		if err != nil {
			return err
		}
		if _, dup := p.byURL[u.String()]; dup {
			continue
		}
		e := &endpoint{url: u}
		p.endpoints = append(p.endpoints, e)
		p.byURL[u.String()] = e
	}
	return nil
}

func (p *Proxies) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// Healthy counts the endpoints not resting right now.
func (p *Proxies) Healthy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, e := range p.endpoints {
		if !now.Before(e.restUntil) {
			n++
		}
	}
	return n
}

// Next returns the next usable endpoint in list order, skipping resting
// ones, or nil when every endpoint rests.
func (p *Proxies) Next() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	for range p.endpoints {
		e := p.endpoints[p.cursor]
		p.cursor = (p.cursor + 1) % len(p.endpoints)
		if !now.Before(e.restUntil) {
			return e.url
		}
	}
	return nil
}

// Random returns a uniformly chosen usable endpoint, or nil.
func (p *Proxies) Random() *url.URL {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	var usable []*endpoint
	for _, e := range p.endpoints {
		if !now.Before(e.restUntil) {
			usable = append(usable, e)
		}
	}
	if len(usable) == 0 {
		return nil
	}
	return usable[rand.IntN(len(usable))].url
}

// ReportSuccess clears the failure streak of u.
func (p *Proxies) ReportSuccess(u *url.URL) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.lookup(u)
	if err != nil {
		return err
	}
	e.streak = 0
	return nil
}

// ReportFailure extends the failure streak of u and rests it once the streak
// reaches MaxFailures.
func (p *Proxies) ReportFailure(u *url.URL) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, err := p.lookup(u)
	if err != nil {
		return err
	}
	e.streak++
	if e.streak >= p.cfg.MaxFailures {
		e.streak = 0
		e.restUntil = p.now().Add(p.cfg.Cooldown)
	}
	return nil
}

func (p *Proxies) lookup(u *url.URL) (*endpoint, error) {
	if u == nil {
		return nil, ErrUnknownProxy
	}
	e, ok := p.byURL[u.String()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProxy, u.Redacted())
	}
	return e, nil
}
