package storage

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal classification of one Retrieve call.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeNotFound Outcome = "not_found"
	OutcomeFailed   Outcome = "failed"
)

// Attempt records the outcome of fetching one resource, including every
// retry the fetcher made internally.
type Attempt struct {
	ID           string
	Category     string
	Key          string
	URL          string
	Outcome      Outcome
	StatusCode   int
	Proxy        string
	UserAgent    string
	Attempts     int
	Bytes        int
	Duration     time.Duration
	DetectionSrc string // e.g. "LoginWall", "Cloudflare"
	CreatedAt    time.Time
	Error        string // non-empty unless Outcome is success
}

// NewAttempt returns an Attempt with a fresh ID and creation time.
func NewAttempt(category, key string) *Attempt {
	return &Attempt{
		ID:        uuid.New().String(),
		Category:  category,
		Key:       key,
		CreatedAt: time.Now().UTC(),
	}
}

// Filter allows querying for specific Attempts.
type Filter struct {
	Category string
	Key      string
	Outcome  Outcome
	Since    *time.Time
	Limit    int
	Offset   int
}

// Backend defines the interface for storing and querying fetch attempts.
type Backend interface {
	Save(ctx context.Context, attempt *Attempt) error
	Query(ctx context.Context, filter Filter) ([]*Attempt, error)
	Close() error
}

// Match reports whether a satisfies the non-zero fields of f. Backends that
// cannot push filters down to a query language use it.
func (f Filter) Match(a *Attempt) bool {
	if f.Category != "" && a.Category != f.Category {
		return false
	}
	if f.Key != "" && a.Key != f.Key {
		return false
	}
	if f.Outcome != "" && a.Outcome != f.Outcome {
		return false
	}
	if f.Since != nil && a.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Page applies Offset and Limit to an already filtered slice.
func (f Filter) Page(in []*Attempt) []*Attempt {
	if f.Offset > 0 {
		if f.Offset >= len(in) {
			return nil
		}
		in = in[f.Offset:]
	}
	if f.Limit > 0 && len(in) > f.Limit {
		in = in[:f.Limit]
	}
	return in
}
