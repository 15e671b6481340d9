package egress

import (
	"math/rand/v2"
	"sync/atomic"
)

// DefaultAgents are used when no user agent list is configured.
var DefaultAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/121.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:122.0) Gecko/20100101 Firefox/122.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Safari/605.1.15",
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_3 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.3 Mobile/15E148 Safari/604.1",
}

// Agents is an immutable list of user agent strings. It is safe for
// concurrent use.
type Agents struct {
	list []string
	next atomic.Uint64
}

// NewAgents copies list; an empty list means DefaultAgents.
func NewAgents(list []string) *Agents {
	if len(list) == 0 {
		list = DefaultAgents
	}
	return &Agents{list: append([]string(nil), list...)}
}

// LoadAgents reads one user agent per line.
func LoadAgents(path string) (*Agents, error) {
	list, err := readList(path, "user agent")
	if err != nil {
		return nil, err
	}
	return NewAgents(list), nil
}

func (a *Agents) Len() int { return len(a.list) }

// Sequential cycles through the list in order.
func (a *Agents) Sequential() string {
	i := a.next.Add(1) - 1
	return a.list[i%uint64(len(a.list))]
}

func (a *Agents) Random() string {
	return a.list[rand.IntN(len(a.list))]
}
