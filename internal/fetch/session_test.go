package fetch

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/FranksOps/instaharvest/internal/resource"
)

func get(t *testing.T, s *session, target string) (*http.Response, []byte, error) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, target, nil)
	if err != nil {
		t.Fatal(err)
	}
	return s.roundTrip(req)
}

func TestSession_RedirectLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/a":
			http.Redirect(w, r, "/b", http.StatusFound)
		case "/b":
			http.Redirect(w, r, "/c", http.StatusFound)
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer ts.Close()

	s, err := newSession(nil, time.Second, 1, false, 0)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := get(t, s, ts.URL+"/a"); err == nil || !strings.Contains(err.Error(), "stopped after 1 redirects") {
		t.Errorf("expected redirect limit error, got %v", err)
	}

	s, _ = newSession(nil, time.Second, 0, false, 0)
	resp, _, err := get(t, s, ts.URL+"/a")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Errorf("expected default limit to follow two hops, got %v", err)
	}

	s, _ = newSession(nil, time.Second, -1, false, 0)
	resp, _, err = get(t, s, ts.URL+"/a")
	if err != nil || resp.StatusCode != http.StatusFound {
		t.Errorf("expected the 302 itself when following is off, got %v", err)
	}
}

func TestSession_StopsAtLoginRedirect(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, loginPath) {
			t.Error("login page must not be requested")
			return
		}
		http.Redirect(w, r, "/accounts/login/?next=/alice/", http.StatusFound)
	}))
	defer ts.Close()

	s, _ := newSession(nil, time.Second, 0, false, 0)
	resp, _, err := get(t, s, ts.URL+"/alice/")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.StatusCode != http.StatusFound {
		t.Errorf("expected 302, got %d", resp.StatusCode)
	}
}

func TestSession_BodyLimit(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	}))
	defer ts.Close()

	s, _ := newSession(nil, time.Second, 0, false, 16)
	if _, _, err := get(t, s, ts.URL); !errors.Is(err, ErrBodyTooLarge) {
		t.Errorf("expected ErrBodyTooLarge, got %v", err)
	}

	s, _ = newSession(nil, time.Second, 0, false, 64)
	if _, body, err := get(t, s, ts.URL); err != nil || len(body) != 64 {
		t.Errorf("expected a 64 byte body at the limit, got %d %v", len(body), err)
	}
}

func TestSession_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
	}))
	defer ts.Close()

	s, _ := newSession(nil, 10*time.Millisecond, 0, false, 0)
	if _, _, err := get(t, s, ts.URL); err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestFetch_LoginRedirectDetected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/accounts/login/", http.StatusFound)
	}))
	defer ts.Close()

	f := newTestFetcher(t, ts.URL, &sleepRecorder{}, nil)
	_, err := f.Fetch(context.Background(), resource.User, "alice")

	var fe *Error
	if !errors.As(err, &fe) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if fe.StatusCode != http.StatusFound || fe.Detection != "LoginWall" {
		t.Errorf("expected 302 LoginWall, got %d %q", fe.StatusCode, fe.Detection)
	}
}

func TestFetch_BodyTooLargeNotRetried(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(sharedPage))
	}))
	defer ts.Close()

	f := newTestFetcher(t, ts.URL, &sleepRecorder{}, func(c *Config) { c.MaxBodyBytes = 8 })
	if _, err := f.Fetch(context.Background(), resource.User, "alice"); !errors.Is(err, ErrBodyTooLarge) {
		t.Fatalf("expected ErrBodyTooLarge, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected a single request, got %d", hits.Load())
	}
}
