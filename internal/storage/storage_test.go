package storage

import (
	"context"
	"testing"
	"time"
)

func TestNewAttempt(t *testing.T) {
	a := NewAttempt("post", "deadbeef")
	if a.ID == "" {
		t.Fatal("expected an id")
	}
	if a.Category != "post" || a.Key != "deadbeef" {
		t.Errorf("unexpected attempt: %+v", a)
	}
	if a.CreatedAt.IsZero() || a.CreatedAt.Location() != time.UTC {
		t.Errorf("expected UTC creation time, got %v", a.CreatedAt)
	}
	if b := NewAttempt("post", "deadbeef"); b.ID == a.ID {
		t.Error("expected unique ids")
	}
}

func TestFilterMatch(t *testing.T) {
	now := time.Now()
	a := &Attempt{Category: "user", Key: "alice", Outcome: OutcomeSuccess, CreatedAt: now}

	cases := []struct {
		name string
		f    Filter
		want bool
	}{
		{"empty", Filter{}, true},
		{"category", Filter{Category: "user"}, true},
		{"other category", Filter{Category: "post"}, false},
		{"key", Filter{Key: "bob"}, false},
		{"outcome", Filter{Outcome: OutcomeFailed}, false},
		{"since before", Filter{Since: ptr(now.Add(-time.Minute))}, true},
		{"since after", Filter{Since: ptr(now.Add(time.Minute))}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.f.Match(a); got != tc.want {
				t.Errorf("Match = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFilterPage(t *testing.T) {
	in := []*Attempt{{Key: "a"}, {Key: "b"}, {Key: "c"}}

	if got := (Filter{Offset: 1, Limit: 1}).Page(in); len(got) != 1 || got[0].Key != "b" {
		t.Errorf("unexpected page: %v", got)
	}
	if got := (Filter{Offset: 5}).Page(in); got != nil {
		t.Errorf("expected empty page, got %v", got)
	}
	if got := (Filter{}).Page(in); len(got) != 3 {
		t.Errorf("expected all items, got %d", len(got))
	}
}

// Ensure Backend interface exists and is implementable
type mockBackend struct{}

func (m *mockBackend) Save(ctx context.Context, attempt *Attempt) error { return nil }
func (m *mockBackend) Query(ctx context.Context, filter Filter) ([]*Attempt, error) {
	return nil, nil
}
func (m *mockBackend) Close() error { return nil }

func TestBackendInterface(t *testing.T) {
	var b Backend = &mockBackend{}
	_ = b
}

func ptr[T any](v T) *T { return &v }
