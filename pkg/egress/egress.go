// Package egress pairs network egress endpoints with client identity strings
// so that every outbound request leaves through one (proxy, user agent) pair.
package egress

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrNoIdentity is returned when every proxy in the pool is cooling down.
// Callers must not fall back to the bare network path.
var ErrNoIdentity = errors.New("no healthy egress identity available")

// Mode controls how identities are drawn from the pool.
type Mode string

const (
	// RoundRobin cycles proxies and user agents in lockstep.
	RoundRobin Mode = "round-robin"
	// Random resamples both lists on every draw.
	Random Mode = "random"
)

// ParseMode validates a selection mode name. An empty name means RoundRobin.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", RoundRobin:
		return RoundRobin, nil
	case Random:
		return Random, nil
	default:
		return "", fmt.Errorf("unknown egress mode %q (want round-robin or random)", s)
	}
}

// Identity is one (egress endpoint, client identity) pair.
type Identity struct {
	Proxy     *url.URL
	UserAgent string
}

func (i Identity) String() string {
	if i.Proxy == nil {
		return "direct"
	}
	return i.Proxy.Redacted()
}

// Config describes where the two identity lists live and how proxies are
// rested after failures.
type Config struct {
	ProxiesFile    string
	UserAgentsFile string
	Mode           Mode
	MaxFailures    int
	Cooldown       time.Duration
}

// Pool draws identities from the proxy and user agent lists.
// It is safe for concurrent use.
type Pool struct {
	proxies *Proxies
	agents  *Agents
	mode    Mode
}

// NewPool combines already populated lists. Nil agents means DefaultAgents.
func NewPool(proxies *Proxies, agents *Agents, mode Mode) (*Pool, error) {
	if proxies == nil || proxies.Len() == 0 {
		return nil, errors.New("egress pool needs at least one proxy")
	}
	if agents == nil {
		agents = NewAgents(nil)
	}
	if mode == "" {
		mode = RoundRobin
	}
	return &Pool{proxies: proxies, agents: agents, mode: mode}, nil
}

// Load reads both identity lists from disk once.
func Load(cfg Config) (*Pool, error) {
	proxies, err := LoadProxies(cfg.ProxiesFile, ProxyConfig{MaxFailures: cfg.MaxFailures, Cooldown: cfg.Cooldown})
	if err != nil {
		return nil, err
	}
	var agents *Agents
	if cfg.UserAgentsFile != "" {
		if agents, err = LoadAgents(cfg.UserAgentsFile); err != nil {
			return nil, err
		}
	}
	return NewPool(proxies, agents, cfg.Mode)
}

func (p *Pool) Mode() Mode { return p.mode }

// Size reports the number of proxies and how many of them are not resting.
func (p *Pool) Size() (total, healthy int) {
	return p.proxies.Len(), p.proxies.Healthy()
}

// Next draws the next identity. Round-robin advances both lists in
// lockstep; random resamples both.
func (p *Pool) Next() (Identity, error) {
	var (
		u  *url.URL
		ua string
	)
	if p.mode == Random {
		u, ua = p.proxies.Random(), p.agents.Random()
	} else {
		u, ua = p.proxies.Next(), p.agents.Sequential()
	}
	if u == nil {
		return Identity{}, ErrNoIdentity
	}
	return Identity{Proxy: u, UserAgent: ua}, nil
}

// ReportSuccess clears the failure streak of the identity's proxy.
func (p *Pool) ReportSuccess(id Identity) {
	if id.Proxy != nil {
		_ = p.proxies.ReportSuccess(id.Proxy)
	}
}

// ReportFailure charges the identity's proxy with a connection-level failure.
func (p *Pool) ReportFailure(id Identity) {
	if id.Proxy != nil {
		_ = p.proxies.ReportFailure(id.Proxy)
	}
}
